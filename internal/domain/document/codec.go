package document

import "strings"

// DecodeExtraction translates an extraction-service response into a FieldMap
// for c. Keys the service omitted take the field default, or empty.
func (r *Registry) DecodeExtraction(c Category, data map[string]interface{}) FieldMap {
	s := r.Schema(c)
	out := make(FieldMap, len(s.Fields))
	for _, fs := range s.Fields {
		raw, ok := lookup(data, fs.Extract)
		if !ok || raw == nil {
			if fs.Default != "" {
				out[fs.Name] = String(fs.Default)
			}
			continue
		}
		out[fs.Name] = coerce(fs.Kind, FromAny(raw))
	}
	return out
}

// DecodeUpdate translates an update-request response payload into a FieldMap.
func (r *Registry) DecodeUpdate(c Category, data map[string]interface{}) FieldMap {
	s := r.Schema(c)
	out := make(FieldMap, len(s.Fields))
	for _, fs := range s.Fields {
		raw, ok := lookup(data, fs.Update)
		if !ok {
			continue
		}
		out[fs.Name] = coerce(fs.Kind, FromAny(raw))
	}
	return out
}

// EncodeUpdate renders rec in the update-request vocabulary. Every schema
// field is present; flags use the extraction service's Found/Not Found.
func (r *Registry) EncodeUpdate(rec Record) map[string]string {
	s := r.Schema(rec.Category)
	out := make(map[string]string, len(s.Fields))
	for _, fs := range s.Fields {
		v := rec.Get(fs.Name)
		switch fs.Kind {
		case KindFlag:
			if v.Bool() {
				out[fs.Update] = "Found"
			} else {
				out[fs.Update] = "Not Found"
			}
		default:
			out[fs.Update] = v.Text()
		}
	}
	return out
}

// lookup finds key in data, falling back to a case-insensitive match since
// the extraction service is not consistent about capitalization.
func lookup(data map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	for k, v := range data {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return v, true
		}
	}
	return nil, false
}

// MissingRequired returns the required fields of rec that are empty, in
// schema order.
func (r *Registry) MissingRequired(rec Record) []string {
	var missing []string
	for _, fs := range r.Schema(rec.Category).Fields {
		if fs.Required && rec.Get(fs.Name).IsEmpty() {
			missing = append(missing, fs.Name)
		}
	}
	return missing
}
