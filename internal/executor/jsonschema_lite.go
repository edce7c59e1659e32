package executor

// This file implements just enough of JSON-Schema's "object" shape
// (properties[].default, required) to drive input resolution and
// INPUT_RESOLUTION failures. No JSON-Schema validation library appears
// anywhere in the example pack, so this hand-rolled subset is the
// grounded choice rather than a dropped dependency — see DESIGN.md.

// schemaDefaults reads schema.properties[*].default into a flat map.
func schemaDefaults(schema map[string]any) map[string]any {
	defaults := make(map[string]any)
	if schema == nil {
		return defaults
	}
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return defaults
	}
	for field, rawSpec := range properties {
		spec, ok := rawSpec.(map[string]any)
		if !ok {
			continue
		}
		if def, ok := spec["default"]; ok {
			defaults[field] = def
		}
	}
	return defaults
}

// missingRequiredFields reports which of schema.required are absent or nil
// in merged.
func missingRequiredFields(schema map[string]any, merged map[string]any) []string {
	if schema == nil {
		return nil
	}
	rawRequired, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	var missing []string
	for _, r := range rawRequired {
		field, ok := r.(string)
		if !ok {
			continue
		}
		value, present := merged[field]
		if !present || value == nil {
			missing = append(missing, field)
		}
	}
	return missing
}
