package config

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

var durationType = reflect.TypeOf(Duration(0))

// yamlKey returns the key a field is read from: its yaml name, else its Go
// name lowercased
func yamlKey(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("yaml"); ok {
		if n, _, _ := strings.Cut(tag, ","); n != "" && n != "-" {
			return n
		}
	}
	return strings.ToLower(field.Name)
}

// lookup resolves a dotted path of yaml keys, e.g. "executor.queue_size"
func lookup(config interface{}, path string) (reflect.Value, error) {
	cur := reflect.ValueOf(config)
	for _, key := range strings.Split(path, ".") {
		if cur.Kind() == reflect.Ptr {
			cur = cur.Elem()
		}
		if cur.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%s: not a section", path)
		}
		next := reflect.Value{}
		for i := 0; i < cur.NumField(); i++ {
			if f := cur.Type().Field(i); f.IsExported() && yamlKey(f) == key {
				next = cur.Field(i)
				break
			}
		}
		if !next.IsValid() {
			return reflect.Value{}, fmt.Errorf("%s: unknown key %q", path, key)
		}
		cur = next
	}
	return cur, nil
}

// fieldCheck builds a Validator that runs check on the value at path
func fieldCheck(path string, check func(v reflect.Value) error) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := lookup(config, path)
		if err != nil {
			return err
		}
		if err := check(v); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
}

// Required fails for every listed key left at its zero value
func Required(paths ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		var missing []string
		for _, path := range paths {
			v, err := lookup(config, path)
			if err != nil {
				return err
			}
			if v.IsZero() {
				missing = append(missing, path)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required keys are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// IntRange checks an integer key against [min, max]
func IntRange(path string, min, max int64) Validator {
	return fieldCheck(path, func(v reflect.Value) error {
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		default:
			return fmt.Errorf("not an integer")
		}
		if n := v.Int(); n < min || n > max {
			return fmt.Errorf("%d is out of range [%d, %d]", n, min, max)
		}
		return nil
	})
}

// FloatRange checks a float key against [min, max]
func FloatRange(path string, min, max float64) Validator {
	return fieldCheck(path, func(v reflect.Value) error {
		if v.Kind() != reflect.Float32 && v.Kind() != reflect.Float64 {
			return fmt.Errorf("not a float")
		}
		if f := v.Float(); f < min || f > max {
			return fmt.Errorf("%g is out of range [%g, %g]", f, min, max)
		}
		return nil
	})
}

// Timeout checks a Duration key: it must be zero or positive, or Forever
func Timeout(path string) Validator {
	return fieldCheck(path, func(v reflect.Value) error {
		if v.Type() != durationType {
			return fmt.Errorf("not a duration")
		}
		if d := Duration(v.Int()); d < 0 && d != Forever {
			return fmt.Errorf("negative timeout %v, use \"forever\" to disable it", d)
		}
		return nil
	})
}

// Length checks the length of a string key against [min, max]
func Length(path string, min, max int) Validator {
	return fieldCheck(path, func(v reflect.Value) error {
		if v.Kind() != reflect.String {
			return fmt.Errorf("not a string")
		}
		if n := len(v.String()); n < min || n > max {
			return fmt.Errorf("length %d is out of range [%d, %d]", n, min, max)
		}
		return nil
	})
}

// OneOf checks that a string key holds one of allowed
func OneOf(path string, allowed ...string) Validator {
	return fieldCheck(path, func(v reflect.Value) error {
		if v.Kind() != reflect.String {
			return fmt.Errorf("not a string")
		}
		if !slices.Contains(allowed, v.String()) {
			return fmt.Errorf("%q is not one of %s", v.String(), strings.Join(allowed, ", "))
		}
		return nil
	})
}
