package tx

import "github.com/joshuapare/pmemkit/heap"

// logRegion undo logs each write before applying it. Once the transaction has
// a sticky error, writes are dropped; the abort restores the logged state anyway.
type logRegion struct {
	t *Tx
	r heap.Region
}

func (w *logRegion) Addr() int64 { return w.r.Addr() }
func (w *logRegion) Size() int64 { return w.r.Size() }
func (w *logRegion) Persistent() bool { return true }

func (w *logRegion) GetByte(off int64) byte { return w.r.GetByte(off) }
func (w *logRegion) GetShort(off int64) int16 { return w.r.GetShort(off) }
func (w *logRegion) GetInt(off int64) int32 { return w.r.GetInt(off) }
func (w *logRegion) GetLong(off int64) int64 { return w.r.GetLong(off) }

func (w *logRegion) ReadRawBytes(off int64, dst []byte) { w.r.ReadRawBytes(off, dst) }

func (w *logRegion) PutByte(off int64, v byte) {
	if w.t.beforeWrite(w.r.Addr()+off, 1) {
		w.r.PutByte(off, v)
	}
}

func (w *logRegion) PutShort(off int64, v int16) {
	if w.t.beforeWrite(w.r.Addr()+off, 2) {
		w.r.PutShort(off, v)
	}
}

func (w *logRegion) PutInt(off int64, v int32) {
	if w.t.beforeWrite(w.r.Addr()+off, 4) {
		w.r.PutInt(off, v)
	}
}

func (w *logRegion) PutLong(off int64, v int64) {
	if w.t.beforeWrite(w.r.Addr()+off, 8) {
		w.r.PutLong(off, v)
	}
}

func (w *logRegion) PutRawBytes(off int64, b []byte) {
	if len(b) == 0 {
		return
	}
	if w.t.beforeWrite(w.r.Addr()+off, int64(len(b))) {
		w.r.PutRawBytes(off, b)
	}
}

// Flush is deferred to commit.
func (w *logRegion) Flush(int64, int64) error { return nil }
