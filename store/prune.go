package store

import "github.com/memflowio/memflow/api"

// Reclaimable reports whether an attribute type may be dropped once the job
// completed. jdata, udata and jmark always survive.
func Reclaimable(t api.FieldType, keepHMark bool) bool {
	switch t {
	case api.FieldAData, api.FieldStatus, api.FieldOther:
		return true
	case api.FieldHMark:
		return !keepHMark
	default:
		return false
	}
}
