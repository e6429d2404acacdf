package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/conductorone/crm-sync/pkg/crm"
)

// FilePrefix marks a secret value that should be read from a file.
const FilePrefix = "file://"

type DecodeHookOption func(*decodeHookConfig)

type decodeHookConfig struct {
	hookFuncs []mapstructure.DecodeHookFunc
}

// ComposeDecodeHookFunc returns the default hooks followed by any additional hooks.
func ComposeDecodeHookFunc(opts ...DecodeHookOption) mapstructure.DecodeHookFunc {
	config := &decodeHookConfig{
		hookFuncs: []mapstructure.DecodeHookFunc{
			mapstructure.StringToTimeDurationHookFunc(),
			StringToSliceHookFunc(","),
			StringToEntityKindHookFunc(),
		},
	}
	for _, opt := range opts {
		opt(config)
	}
	return mapstructure.ComposeDecodeHookFunc(config.hookFuncs...)
}

func WithAdditionalDecodeHooks(funcs ...mapstructure.DecodeHookFunc) DecodeHookOption {
	return func(c *decodeHookConfig) {
		c.hookFuncs = append(c.hookFuncs, funcs...)
	}
}

// StringToSliceHookFunc splits a string into a slice of strings on sep, trimming space and
// dropping empty elements. The target may be any slice whose element kind is string.
func StringToSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice || t.Elem().Kind() != reflect.String {
			return data, nil
		}

		raw := data.(string)
		ret := []string{}
		for _, part := range strings.Split(raw, sep) {
			part = strings.TrimSpace(part)
			if part != "" {
				ret = append(ret, part)
			}
		}
		return ret, nil
	}
}

var entityKindType = reflect.TypeOf(crm.EntityKind(""))

// StringToEntityKindHookFunc parses entity kind names, rejecting unknown ones.
func StringToEntityKindHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != entityKindType {
			return data, nil
		}
		return crm.ParseEntityKind(reflect.ValueOf(data).String())
	}
}

// SecretFileHookFunc replaces string values of the form file://<path> with the trimmed
// contents of the file.
func SecretFileHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.String {
			return data, nil
		}
		s, ok := data.(string)
		if !ok || !strings.HasPrefix(s, FilePrefix) {
			return data, nil
		}

		path := strings.TrimPrefix(s, FilePrefix)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading secret file: %w", err)
		}
		return strings.TrimSpace(string(content)), nil
	}
}
