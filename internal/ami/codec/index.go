package codec

// Field names one of the well-known AMI keys tracked by the ColumnIndex.
type Field int

const (
	FieldUniqueid Field = iota
	FieldLinkedid
	FieldEvent
	FieldBridgeUniqueid
	FieldContext
	FieldChannel
	FieldExten
	FieldCallerIDNum
	FieldVariable
	FieldValue
	FieldActionID
	FieldResponse

	numFields
)

var fieldNames = [numFields]string{
	FieldUniqueid:       "Uniqueid",
	FieldLinkedid:       "Linkedid",
	FieldEvent:          "Event",
	FieldBridgeUniqueid: "BridgeUniqueid",
	FieldContext:        "Context",
	FieldChannel:        "Channel",
	FieldExten:          "Exten",
	FieldCallerIDNum:    "CallerIDNum",
	FieldVariable:       "Variable",
	FieldValue:          "Value",
	FieldActionID:       "ActionID",
	FieldResponse:       "Response",
}

// String returns the wire key of f.
func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "Field(?)"
	}
	return fieldNames[f]
}

// lookupField matches key case-sensitively against the well-known names.
func lookupField(key []byte) (Field, bool) {
	// switch on string(key) does not allocate
	switch string(key) {
	case "Uniqueid":
		return FieldUniqueid, true
	case "Linkedid":
		return FieldLinkedid, true
	case "Event":
		return FieldEvent, true
	case "BridgeUniqueid":
		return FieldBridgeUniqueid, true
	case "Context":
		return FieldContext, true
	case "Channel":
		return FieldChannel, true
	case "Exten":
		return FieldExten, true
	case "CallerIDNum":
		return FieldCallerIDNum, true
	case "Variable":
		return FieldVariable, true
	case "Value":
		return FieldValue, true
	case "ActionID":
		return FieldActionID, true
	case "Response":
		return FieldResponse, true
	}
	return 0, false
}

// ColumnIndex maps well-known fields to their position in the current
// frame. When a key repeats, the last occurrence wins.
type ColumnIndex struct {
	pos [numFields]int
}

func (ci *ColumnIndex) clear() {
	for i := range ci.pos {
		ci.pos[i] = -1
	}
}

func (ci *ColumnIndex) set(f Field, pos int) { ci.pos[f] = pos }

// Lookup returns the position of f in the frame, if present.
func (ci *ColumnIndex) Lookup(f Field) (int, bool) {
	if f < 0 || f >= numFields {
		return 0, false
	}
	p := ci.pos[f]
	return p, p >= 0
}

// Has reports whether f is present in the frame.
func (ci *ColumnIndex) Has(f Field) bool {
	_, ok := ci.Lookup(f)
	return ok
}
