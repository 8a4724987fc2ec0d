package codec

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/gaspardpetit/amilink/internal/ami/framebuf"
)

type pair struct{ key, value string }

type frame struct {
	pairs []pair
	index map[Field]int
}

type recorder struct{ frames []frame }

func (r *recorder) OnFrame(rd Reader) {
	f := frame{index: map[Field]int{}}
	for i := 0; i < rd.KeyCount(); i++ {
		f.pairs = append(f.pairs, pair{string(rd.Key(i)), string(rd.Value(i))})
	}
	for fld := Field(0); fld < numFields; fld++ {
		if pos, ok := rd.Index().Lookup(fld); ok {
			f.index[fld] = pos
		}
	}
	r.frames = append(r.frames, f)
}

const stream = "Event: Newchannel\r\nUniqueid: 123\r\nContext: inbound\r\n\r\n" +
	"Response: Success\r\nActionID: 1\r\nMessage: Authentication accepted\r\n\r\n" +
	"Event: VarSet\r\nChannel: SIP/100-0001\r\nVariable: DIALSTATUS\r\nValue: ANSWER\r\nUniqueid: 124\r\nLinkedid: 123\r\n\r\n" +
	"Event: Hangup\r\nUniqueid: 124\r\nCause-txt: Normal: Clearing\r\n\r\n"

func TestDecodeSingleFrame(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultLimits(), rec)
	if err := d.Append([]byte("Event: Newchannel\r\nUniqueid: 123\r\nContext: inbound\r\n\r\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(rec.frames) != 1 {
		t.Fatalf("frames = %d; want 1", len(rec.frames))
	}
	want := []pair{{"Event", "Newchannel"}, {"Uniqueid", "123"}, {"Context", "inbound"}}
	if !reflect.DeepEqual(rec.frames[0].pairs, want) {
		t.Fatalf("pairs = %v; want %v", rec.frames[0].pairs, want)
	}
	wantIdx := map[Field]int{FieldEvent: 0, FieldUniqueid: 1, FieldContext: 2}
	if !reflect.DeepEqual(rec.frames[0].index, wantIdx) {
		t.Fatalf("index = %v; want %v", rec.frames[0].index, wantIdx)
	}
	if d.FrameCount() != 1 {
		t.Fatalf("FrameCount = %d", d.FrameCount())
	}
}

func TestDecodeRepeatedKeyIndexesLastOccurrence(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultLimits(), rec)
	in := "Event: VarSet\r\nVariable: A\r\nValue: 1\r\nVariable: B\r\nValue: 2\r\n\r\n"
	if err := d.Append([]byte(in)); err != nil {
		t.Fatalf("append: %v", err)
	}
	f := rec.frames[0]
	if len(f.pairs) != 5 {
		t.Fatalf("pairs = %v", f.pairs)
	}
	if f.index[FieldVariable] != 3 || f.index[FieldValue] != 4 {
		t.Fatalf("index = %v; want Variable=3 Value=4", f.index)
	}
}

func TestDecodeValueSeparatorHandling(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		key   string
		value string
	}{
		{"one space stripped", "Key: value", "Key", "value"},
		{"no space", "Key:value", "Key", "value"},
		{"only first space stripped", "Key:  value", "Key", " value"},
		{"colon in value", "Cause-txt: Normal: Clearing", "Cause-txt", "Normal: Clearing"},
		{"empty value", "Key:", "Key", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			d := New(DefaultLimits(), rec)
			if err := d.Append([]byte(tt.line + "\r\n\r\n")); err != nil {
				t.Fatalf("append: %v", err)
			}
			got := rec.frames[0].pairs[0]
			if got.key != tt.key || got.value != tt.value {
				t.Fatalf("got %q=%q; want %q=%q", got.key, got.value, tt.key, tt.value)
			}
		})
	}
}

func TestDecodeSkipsLinesWithoutSeparator(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultLimits(), rec)
	in := "Asterisk Call Manager/5.0.1\r\nResponse: Success\r\nActionID: 1\r\n\r\n"
	if err := d.Append([]byte(in)); err != nil {
		t.Fatalf("append: %v", err)
	}
	want := []pair{{"Response", "Success"}, {"ActionID", "1"}}
	if !reflect.DeepEqual(rec.frames[0].pairs, want) {
		t.Fatalf("pairs = %v; want %v", rec.frames[0].pairs, want)
	}
}

func TestDecodeChunkingIsTransparent(t *testing.T) {
	whole := &recorder{}
	d := New(DefaultLimits(), whole)
	if err := d.Append([]byte(stream)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(whole.frames) != 4 {
		t.Fatalf("frames = %d; want 4", len(whole.frames))
	}

	for _, size := range []int{1, 2, 3, 5, 7, 16, 64} {
		rec := &recorder{}
		d := New(DefaultLimits(), rec)
		for off := 0; off < len(stream); off += size {
			end := off + size
			if end > len(stream) {
				end = len(stream)
			}
			if err := d.Append([]byte(stream[off:end])); err != nil {
				t.Fatalf("size %d: append: %v", size, err)
			}
		}
		if !reflect.DeepEqual(rec.frames, whole.frames) {
			t.Fatalf("size %d: frames differ\n got %v\nwant %v", size, rec.frames, whole.frames)
		}
	}
}

func TestDecodeIndexDoesNotLeakAcrossFrames(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultLimits(), rec)
	if err := d.Append([]byte("Event: A\r\nUniqueid: 1\r\n\r\nEvent: B\r\n\r\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, ok := rec.frames[1].index[FieldUniqueid]; ok {
		t.Fatalf("second frame inherited Uniqueid: %v", rec.frames[1].index)
	}
}

func TestDecodeTooManyFields(t *testing.T) {
	d := New(Limits{MaxFields: 2, MaxFieldLen: 16}, &recorder{})
	err := d.Append([]byte("A: 1\r\nB: 2\r\nC: 3\r\n\r\n"))
	if !errors.Is(err, ErrTooManyFields) {
		t.Fatalf("err = %v; want ErrTooManyFields", err)
	}
}

func TestDecodeFieldTooLong(t *testing.T) {
	d := New(Limits{MaxFields: 4, MaxFieldLen: 4}, &recorder{})
	err := d.Append([]byte("Key: " + strings.Repeat("x", 5) + "\r\n\r\n"))
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("err = %v; want ErrFieldTooLong", err)
	}
	err = New(Limits{MaxFields: 4, MaxFieldLen: 4}, &recorder{}).Append([]byte("LongKey: x\r\n\r\n"))
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("err = %v; want ErrFieldTooLong for key", err)
	}
}

func TestDecodeBufferOverflow(t *testing.T) {
	rec := &recorder{}
	d := New(Limits{BufferSize: 16}, rec)
	if err := d.Append([]byte("Event: A\r\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := d.Append([]byte("Uniqueid: 1234567\r\n\r\n"))
	if !errors.Is(err, framebuf.ErrCapacityExceeded) {
		t.Fatalf("err = %v; want ErrCapacityExceeded", err)
	}
	if len(rec.frames) != 0 {
		t.Fatalf("frames = %d; want 0", len(rec.frames))
	}
}

func TestResetAndCounters(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultLimits(), rec)
	_ = d.Append([]byte("Event: A\r\nUniq"))
	d.Reset()
	if err := d.Append([]byte("Event: B\r\n\r\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(rec.frames) != 1 || rec.frames[0].pairs[0].value != "B" {
		t.Fatalf("frames after reset = %v", rec.frames)
	}
	if got, want := d.ByteCount(), uint64(len("Event: A\r\nUniq")+len("Event: B\r\n\r\n")); got != want {
		t.Fatalf("ByteCount = %d; want %d", got, want)
	}
	d.ResetByteCount()
	d.ResetFrameCount()
	if d.ByteCount() != 0 || d.FrameCount() != 0 {
		t.Fatalf("counters not reset: %d %d", d.ByteCount(), d.FrameCount())
	}
}

func TestLookup(t *testing.T) {
	var got string
	d := New(DefaultLimits(), ListenerFunc(func(r Reader) {
		v, _ := Lookup(r, FieldActionID)
		got = string(v)
	}))
	_ = d.Append([]byte("Response: Success\r\nActionID: 42\r\n\r\n"))
	if got != "42" {
		t.Fatalf("ActionID = %q", got)
	}
}

func TestDecodeSkipsEmptyFrames(t *testing.T) {
	rec := &recorder{}
	d := New(DefaultLimits(), rec)
	if err := d.Append([]byte("\r\n\r\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(rec.frames) != 0 || d.FrameCount() != 0 {
		t.Fatalf("frames = %d FrameCount = %d; want 0", len(rec.frames), d.FrameCount())
	}
	if err := d.Append([]byte("banner only\r\n\r\nEvent: A\r\n\r\n")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(rec.frames) != 1 || d.FrameCount() != 1 {
		t.Fatalf("frames = %d FrameCount = %d; want 1", len(rec.frames), d.FrameCount())
	}
}
