package protocol

// Known event kinds. The server never interprets event data; the kind
// exists for classification and debug logging only. Anything not listed
// here is carried verbatim as an opaque kind.
const (
	EventKindRename        = "rename"
	EventKindComment       = "comment"
	EventKindMakeCode      = "make_code"
	EventKindMakeData      = "make_data"
	EventKindUndefine      = "undefine"
	EventKindFuncAdded     = "func_added"
	EventKindFuncRemoved   = "func_removed"
	EventKindStructChanged = "struct_changed"
	EventKindEnumChanged   = "enum_changed"
)

var knownEventKinds = map[string]struct{}{
	EventKindRename:        {},
	EventKindComment:       {},
	EventKindMakeCode:      {},
	EventKindMakeData:      {},
	EventKindUndefine:      {},
	EventKindFuncAdded:     {},
	EventKindFuncRemoved:   {},
	EventKindStructChanged: {},
	EventKindEnumChanged:   {},
}

// KnownEventKind reports whether kind is part of the published
// vocabulary. Unknown kinds are still persisted and fanned out.
func KnownEventKind(kind string) bool {
	_, ok := knownEventKinds[kind]
	return ok
}
