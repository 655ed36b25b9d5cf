package collector

// MergeExtraction folds extracted values into current. A field keeps its
// current value when it is non-empty or locked. Calling it again with the
// same inputs changes nothing.
func MergeExtraction(current, extracted Fields, locked LockSet) Fields {
	out := current
	for _, f := range AllFields {
		if current.Get(f) != "" || locked.Has(f) {
			continue
		}
		if v := extracted.Get(f); v != "" {
			out = out.With(f, v)
		}
	}
	return out
}

// RecordManualEdit sets field unconditionally and locks it. This is the only
// way a non-empty field changes value.
func RecordManualEdit(fields Fields, locked LockSet, field Field, value string) (Fields, LockSet) {
	return fields.With(field, value), locked.With(field)
}

// SelectService records a pick from the service picker.
func SelectService(fields Fields, locked LockSet, name string) (Fields, LockSet) {
	return RecordManualEdit(fields, locked, FieldService, name)
}

// IsComplete reports whether all four fields are set.
func IsComplete(fields Fields) bool {
	return len(MissingFields(fields)) == 0
}

// MissingFields lists the unset fields in AllFields order.
func MissingFields(fields Fields) []Field {
	var missing []Field
	for _, f := range AllFields {
		if fields.Get(f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
