package codec

// arena stores the key/value pairs of one frame in fixed-capacity regions of
// a single slab. Slot i owns two regions of fieldLen bytes, one for the key
// and one for the value. Nothing is allocated after construction.
type arena struct {
	slab     []byte
	keyLen   []int
	valLen   []int
	fieldLen int
	count    int
}

func newArena(maxKeys, fieldLen int) *arena {
	return &arena{
		slab:     make([]byte, 2*maxKeys*fieldLen),
		keyLen:   make([]int, maxKeys),
		valLen:   make([]int, maxKeys),
		fieldLen: fieldLen,
	}
}

func (a *arena) reset() { a.count = 0 }

func (a *arena) full() bool { return a.count == len(a.keyLen) }

func (a *arena) keyRegion(i int) []byte {
	off := 2 * i * a.fieldLen
	return a.slab[off : off+a.fieldLen]
}

func (a *arena) valueRegion(i int) []byte {
	off := (2*i + 1) * a.fieldLen
	return a.slab[off : off+a.fieldLen]
}

// add copies key and value into the next free slot and returns its
// position. Callers check full and the field length limit first.
func (a *arena) add(key, value []byte) int {
	i := a.count
	a.keyLen[i] = copy(a.keyRegion(i), key)
	a.valLen[i] = copy(a.valueRegion(i), value)
	a.count++
	return i
}

func (a *arena) key(i int) []byte { return a.keyRegion(i)[:a.keyLen[i]] }

func (a *arena) value(i int) []byte { return a.valueRegion(i)[:a.valLen[i]] }
