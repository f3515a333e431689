package render

// Renderer renders skill templates against a fixed filter allow-list.
// The zero value permits no filters; use New.
type Renderer struct {
	allowed FilterSet
}

// New returns a Renderer permitting every filter in AllFilters.
func New() *Renderer {
	return &Renderer{allowed: AllFilters}
}

// NewRestricted returns a Renderer permitting only fs. It can narrow the
// allow-list but never extend it.
func NewRestricted(fs ...Filter) *Renderer {
	return &Renderer{allowed: NewFilterSet(fs...) & AllFilters}
}

// Allowed returns the renderer's filter allow-list.
func (r *Renderer) Allowed() FilterSet { return r.allowed }

// Parse parses src against the renderer's allow-list. The management surface
// uses it to reject broken templates before they are saved.
func (r *Renderer) Parse(src string) (*Template, error) {
	return parse(src, r.allowed)
}

// Render parses and executes src. A syntax or filter error returns a
// *Error; unresolved variables do not.
func (r *Renderer) Render(src string, vars map[string]string) (Output, error) {
	t, err := r.Parse(src)
	if err != nil {
		return Output{}, err
	}
	return t.Execute(vars), nil
}
