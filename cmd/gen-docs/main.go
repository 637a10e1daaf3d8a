// gen-docs writes a reference of every configuration block and attribute,
// derived from the hcl tags of config.Config.
package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"gopkg.in/yaml.v2"

	"grimm.is/ruleplane/cmd"
	"grimm.is/ruleplane/internal/config"
)

// Block documents one HCL block type.
type Block struct {
	Name       string      `yaml:"name"`
	Labels     []string    `yaml:"labels,omitempty"`
	Repeated   bool        `yaml:"repeated,omitempty"`
	Attributes []Attribute `yaml:"attributes,omitempty"`
	Blocks     []Block     `yaml:"blocks,omitempty"`
}

// Attribute documents one HCL attribute.
type Attribute struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional,omitempty"`
}

func main() {
	out := flag.String("o", "docs/config-reference.yaml", "Output file (- for stdout)")
	flag.Parse()

	var w io.Writer = os.Stdout
	if *out != "-" {
		if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
			cmd.Printer.Printf("Failed to create dir: %v\n", err)
			os.Exit(1)
		}
		f, err := os.Create(*out)
		if err != nil {
			cmd.Printer.Printf("Failed to create file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if err := write(w); err != nil {
		cmd.Printer.Printf("Failed to encode YAML: %v\n", err)
		os.Exit(1)
	}
	if *out != "-" {
		cmd.Printer.Printf("Successfully generated %s\n", *out)
	}
}

func write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(describe("config", reflect.TypeOf(config.Config{})))
}

// describe walks the hcl tags of t.
func describe(name string, t reflect.Type) Block {
	b := Block{Name: name}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("hcl")
		if !ok {
			continue
		}
		parts := strings.Split(tag, ",")
		key, kind := parts[0], "attr"
		if len(parts) > 1 {
			kind = parts[1]
		}
		switch kind {
		case "label":
			b.Labels = append(b.Labels, key)
		case "block":
			ft := f.Type
			repeated := false
			if ft.Kind() == reflect.Slice {
				ft, repeated = ft.Elem(), true
			}
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			child := describe(key, ft)
			child.Repeated = repeated
			b.Blocks = append(b.Blocks, child)
		default:
			b.Attributes = append(b.Attributes, Attribute{
				Name:     key,
				Type:     typeName(f.Type),
				Optional: kind == "optional",
			})
		}
	}
	return b
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "number"
	case reflect.Slice:
		return "list(" + typeName(t.Elem()) + ")"
	}
	return t.Kind().String()
}
