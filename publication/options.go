package publication

// Option keys understood by the default sources
const (
	OptFileChanged     = "file_changed"
	OptStyleChanged    = "style_changed"
	OptMetadataChanged = "metadata_changed"
	OptTitle           = "title"
	OptDescription     = "description"
	OptStyle           = "style"
	OptKind            = "kind" // Set by the coordinator to the mutation kind
)

// Options is the free-form request payload handed to Needed and Refresh
type Options map[string]any

// Bool returns the option as a bool, false if absent or not a bool
func (o Options) Bool(key string) bool {
	v, ok := o[key].(bool)
	return ok && v
}

// String returns the option as a string, "" if absent or not a string
func (o Options) String(key string) string {
	v, _ := o[key].(string)
	return v
}

// Kind returns the mutation kind the coordinator stamped on the options
func (o Options) Kind() Kind {
	return Kind(o.String(OptKind))
}

// Clone returns a shallow copy; nil stays nil
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// With returns a copy with key set to value
func (o Options) With(key string, value any) Options {
	out := o.Clone()
	if out == nil {
		out = make(Options, 1)
	}
	out[key] = value
	return out
}
