package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"booknetwork/internal/apierror"
)

const errorSchemaName = "ExceptionResponse"

type openAPIDoc struct {
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type      string
	ItemsType string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>...\n", os.Args[0])
		os.Exit(2)
	}
	if err := check(os.Args[1:]); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

// check verifies that every document declares the error body the services
// actually write, and that all documents agree with each other.
func check(paths []string) error {
	want := goShape(reflect.TypeOf(apierror.ExceptionResponse{}))
	for _, path := range paths {
		doc, err := loadDoc(path)
		if err != nil {
			return err
		}
		s, err := getSchema(doc, errorSchemaName)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := ensureSameShape(path, want, shapeFromSchema(s)); err != nil {
			return err
		}
	}
	return nil
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

// goShape derives the schema shape from the json tags of t. Every field is
// omitempty, so nothing is required.
func goShape(t reflect.Type) schemaShape {
	out := schemaShape{Type: "object", Properties: make(map[string]propertyShape, t.NumField())}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if !strings.Contains(opts, "omitempty") {
			out.Required = append(out.Required, name)
		}
		shape := propertyShape{Type: jsonType(field.Type)}
		if field.Type.Kind() == reflect.Slice {
			shape.ItemsType = jsonType(field.Type.Elem())
		}
		out.Properties[name] = shape
	}
	sort.Strings(out.Required)
	return out
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		shape := propertyShape{Type: prop.Type}
		if prop.Items != nil {
			shape.ItemsType = prop.Items.Type
		}
		out.Properties[name] = shape
	}
	return out
}

func ensureSameShape(scope string, want, got schemaShape) error {
	if want.Type != got.Type {
		return fmt.Errorf("%s: %s type mismatch: want %q, got %q", scope, errorSchemaName, want.Type, got.Type)
	}
	if strings.Join(want.Required, ",") != strings.Join(got.Required, ",") {
		return fmt.Errorf("%s: %s required mismatch: want %v, got %v", scope, errorSchemaName, want.Required, got.Required)
	}
	for key, wantProp := range want.Properties {
		gotProp, ok := got.Properties[key]
		if !ok {
			return fmt.Errorf("%s: %s missing property %q", scope, errorSchemaName, key)
		}
		if wantProp != gotProp {
			return fmt.Errorf("%s: %s property %q mismatch: want %+v, got %+v", scope, errorSchemaName, key, wantProp, gotProp)
		}
	}
	for key := range got.Properties {
		if _, ok := want.Properties[key]; !ok {
			return fmt.Errorf("%s: %s documents unknown property %q", scope, errorSchemaName, key)
		}
	}
	return nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
