package flowdef

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/funnel/pkg/schema"
)

// Decode parses a funnel definition. Files ending in .json are decoded as
// JSON with unknown fields rejected; anything else is YAML.
func Decode(fileName string, data []byte) (*schema.FunnelDefinition, error) {
	def := &schema.FunnelDefinition{}
	if strings.EqualFold(filepath.Ext(fileName), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %s", fileName, err.Error()).WithCause(err)
		}
		return def, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %s", fileName, err.Error()).WithCause(err)
	}
	return def, nil
}
