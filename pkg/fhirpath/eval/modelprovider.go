package eval

// VariantInfo describes one candidate concrete variant of a FHIR
// choice-type element, e.g. resolving base property "value" against
// resource type "Observation" yields a candidate
// {PropertyName: "valueQuantity", TypeName: "Quantity"} among others.
type VariantInfo struct {
	PropertyName string
	TypeName     string
}

// Cardinality describes a property's multiplicity; Max < 0 means unbounded.
type Cardinality struct {
	Min int
	Max int
}

// ModelProvider answers schema questions the evaluator cannot derive from
// the JSON instance alone: the FHIR type hierarchy, choice-type variant
// resolution, and element cardinality. Calls may suspend on implementations
// backed by a remote schema or terminology service; the evaluator always
// awaits them synchronously and treats a non-nil error as
// ErrModelProviderFailure.
type ModelProvider interface {
	// ResourceTypeExists reports whether name is a known resource or
	// complex type in the model.
	ResourceTypeExists(name string) (bool, error)
	// IsSubtype reports whether child is parent or a descendant of parent
	// in the type hierarchy.
	IsSubtype(child, parent string) (bool, error)
	// ResolveChoiceProperty lists the candidate suffixed property names
	// (e.g. "valueQuantity", "valueString", ...) for a choice element
	// whose base name on typeName is property (e.g. "value"). The caller
	// probes the instance for each candidate in order.
	ResolveChoiceProperty(typeName, property string) ([]VariantInfo, error)
	// PropertyCardinality reports the declared multiplicity of property
	// on typeName.
	PropertyCardinality(typeName, property string) (Cardinality, error)
}

// defaultModelProvider answers purely from the heuristics already used by
// navigateMember/TypeMatches/polymorphicTypeSuffixes: no external schema,
// just the FHIR base-type and choice-type conventions baked into this
// package. Used when the caller supplies no ModelProvider.
type defaultModelProvider struct{}

// DefaultModelProvider returns the built-in heuristic ModelProvider used
// when no schema-backed implementation is supplied.
func DefaultModelProvider() ModelProvider { return defaultModelProvider{} }

func (defaultModelProvider) ResourceTypeExists(name string) (bool, error) {
	return isPossibleResourceType(name), nil
}

func (defaultModelProvider) IsSubtype(child, parent string) (bool, error) {
	return IsSubtypeOf(child, parent), nil
}

// ResolveChoiceProperty does not consult typeName: the heuristic provider
// knows only the fixed set of FHIR choice-type suffixes, not which ones a
// given resource type actually declares, so it offers every suffix as a
// candidate and lets the caller probe the instance.
func (defaultModelProvider) ResolveChoiceProperty(_, property string) ([]VariantInfo, error) {
	variants := make([]VariantInfo, len(polymorphicTypeSuffixes))
	for i, suffix := range polymorphicTypeSuffixes {
		variants[i] = VariantInfo{PropertyName: property + suffix, TypeName: suffix}
	}
	return variants, nil
}

func (defaultModelProvider) PropertyCardinality(_, _ string) (Cardinality, error) {
	// No schema available: assume unbounded repeating, the conservative
	// choice that never forces an incorrect singleton error.
	return Cardinality{Min: 0, Max: -1}, nil
}
