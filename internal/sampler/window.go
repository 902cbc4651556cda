package sampler

// window 定长滑动窗口，写满后覆盖最旧的值
type window[T int | float64] struct {
	buf   []T
	next  int
	count int
}

func newWindow[T int | float64](size int) *window[T] {
	if size <= 0 {
		size = 1
	}
	return &window[T]{buf: make([]T, size)}
}

func (w *window[T]) push(v T) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// snapshot 按时间顺序复制窗口内容
func (w *window[T]) snapshot() []T {
	out := make([]T, 0, w.count)
	start := (w.next - w.count + len(w.buf)) % len(w.buf)
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

func (w *window[T]) reset() {
	w.next = 0
	w.count = 0
}

func (w *window[T]) filled() int {
	return w.count
}

// accumulator 会话心率累加器，只累计有效读数（> 0）
type accumulator struct {
	sum   int
	count int
}

func (a *accumulator) add(v int) {
	if v <= 0 {
		return
	}
	a.sum += v
	a.count++
}

// average 整数平均值，无有效读数时为 0
func (a *accumulator) average() int {
	if a.count == 0 {
		return 0
	}
	return a.sum / a.count
}

func (a *accumulator) reset() {
	a.sum = 0
	a.count = 0
}
