package ingest

import (
	"strings"

	"github.com/tidwall/gjson"

	"cravewatch/internal/apperr"
	"cravewatch/internal/normalize"
)

// ParseJSON accepts one reading object or an array of them.
func ParseJSON(data []byte) ([]normalize.EventFields, error) {
	if !gjson.ValidBytes(data) {
		return nil, apperr.New(apperr.CodeInvalidInput, "invalid JSON")
	}
	root := gjson.ParseBytes(data)
	switch {
	case root.IsArray():
		var out []normalize.EventFields
		for _, item := range root.Array() {
			if !item.IsObject() {
				return nil, apperr.New(apperr.CodeInvalidInput, "array items must be objects")
			}
			out = append(out, fieldsFromJSON(item))
		}
		return out, nil
	case root.IsObject():
		if readings := root.Get("readings"); readings.IsArray() {
			return ParseJSON([]byte(readings.Raw))
		}
		return []normalize.EventFields{fieldsFromJSON(root)}, nil
	default:
		return nil, apperr.New(apperr.CodeInvalidInput, "expected a JSON object or array")
	}
}

// fieldsFromJSON maps aliased keys onto reading fields. Nested motion
// objects such as {"accel":{"x":0.1}} are flattened to accel_x.
func fieldsFromJSON(obj gjson.Result) normalize.EventFields {
	var fields normalize.EventFields
	obj.ForEach(func(key, value gjson.Result) bool {
		name := strings.ToLower(key.String())
		if value.IsObject() {
			if prefix, ok := motionGroups[name]; ok {
				value.ForEach(func(axis, v gjson.Result) bool {
					assignField(&fields, prefix+"_"+strings.ToLower(axis.String()), v.String())
					return true
				})
			}
			return true
		}
		assignField(&fields, name, value.String())
		return true
	})
	fields.Raw = obj.Raw
	return fields
}

var motionGroups = map[string]string{
	"accel":         "accel",
	"acc":           "accel",
	"accelerometer": "accel",
	"gyro":          "gyro",
	"gyroscope":     "gyro",
}
