package internal

import "strconv"

// Flatten turns a decoded webhook payload into dotted keys for rule
// expressions: {"repository":{"name":"x"}} yields "repository.name".
// A list is stored under its own key and under key+"[]" for the
// membership helpers, and each element under key+"[i]".
func Flatten(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		flattenValue(out, key, value)
	}
	return out
}

func flattenValue(out map[string]any, key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for child, nested := range v {
			flattenValue(out, key+"."+child, nested)
		}
	case []any:
		out[key] = v
		out[key+"[]"] = v
		for i, nested := range v {
			flattenValue(out, key+"["+strconv.Itoa(i)+"]", nested)
		}
	default:
		out[key] = v
	}
}
