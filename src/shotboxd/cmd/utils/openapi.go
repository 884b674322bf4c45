package utils

import (
	_ "embed"
	"fmt"
	"slices"

	"github.com/q-controller/shotbox/src/pkg/images"
	"gopkg.in/yaml.v3"
)

const (
	Tag        = "ImageService"
	PathPrefix = ""
)

//go:embed docs/openapi.yaml
var openAPISpecs string

func GenerateOpenAPISpecs() (string, error) {
	var spec map[string]interface{}
	if err := yaml.Unmarshal([]byte(openAPISpecs), &spec); err != nil {
		return "", fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}

	tags, _ := spec["tags"].([]interface{})
	if !slices.ContainsFunc(tags, func(t interface{}) bool {
		m, ok := t.(map[string]interface{})
		return ok && m["name"] == Tag
	}) {
		spec["tags"] = append(tags, map[string]interface{}{"name": Tag})
	}

	var imagesSpec map[string]interface{}
	if err := yaml.Unmarshal([]byte(images.GetOpenAPISpec(PathPrefix, Tag)), &imagesSpec); err != nil {
		return "", fmt.Errorf("failed to unmarshal images OpenAPI spec: %w", err)
	}

	paths, ok := spec["paths"].(map[string]interface{})
	if !ok {
		paths = map[string]interface{}{}
		spec["paths"] = paths
	}
	for k, v := range imagesSpec {
		paths[k] = v
	}

	bytes, bytesErr := yaml.Marshal(spec)
	if bytesErr != nil {
		return "", fmt.Errorf("failed to marshal OpenAPI spec: %w", bytesErr)
	}
	return string(bytes), nil
}
