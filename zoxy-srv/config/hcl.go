package config

import (
	"fmt"
	"io"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

// readHCLFile parses an HCL document made only of attributes, e.g.
//
//	listen-port = 8080
//	allowed-accesses = [{ network = "127.0.0.0/24", port = "*" }]
//
// and converts it to the same generic tree the JSON loader produces.
func readHCLFile(configPath string) (map[string]any, error) {
	file, err := openConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	src, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read HCL config: %w", err)
	}

	return parseHCL(src, configPath)
}

func parseHCL(src []byte, filename string) (map[string]any, error) {
	f, diags := hclsyntax.ParseConfig(src, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %w", diags)
	}

	attrs, diags := f.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to read HCL attributes: %w", diags)
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %w", name, diags)
		}
		converted, err := ctyToAny(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		data[name] = converted
	}
	return data, nil
}

// ctyToAny mirrors encoding/json's generic decoding: numbers become float64,
// collections become []any and map[string]any.
func ctyToAny(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		var result []any
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			converted, err := ctyToAny(elem)
			if err != nil {
				return nil, err
			}
			result = append(result, converted)
		}
		return result, nil
	case ty.IsMapType() || ty.IsObjectType():
		result := map[string]any{}
		for it := val.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			converted, err := ctyToAny(elem)
			if err != nil {
				return nil, err
			}
			result[key.AsString()] = converted
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
