package metadata

// Relation links a field on the "many" side to a key on the "one" side.
// For polymorphic (any-to-one) relations OneCollection is empty and the target
// collection is read from OneCollectionField on each row.
type Relation struct {
	ManyCollection        string   `json:"many_collection"`
	ManyField             string   `json:"many_field"`
	OneCollection         string   `json:"one_collection,omitempty"`
	OneField              string   `json:"one_field,omitempty"`
	OneCollectionField    string   `json:"one_collection_field,omitempty"`
	OneAllowedCollections []string `json:"one_allowed_collections,omitempty"`
}

// IsPolymorphic reports whether the one side is chosen per row.
func (r *Relation) IsPolymorphic() bool {
	return r.OneCollection == "" && r.OneCollectionField != ""
}

// AllowsCollection reports whether a polymorphic relation may point at collection.
func (r *Relation) AllowsCollection(collection string) bool {
	for _, c := range r.OneAllowedCollections {
		if c == collection {
			return true
		}
	}
	return false
}
