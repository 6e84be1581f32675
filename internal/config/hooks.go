package config

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/haukened/burnbox/internal/cipher"
	"github.com/haukened/burnbox/internal/domain"
)

// StringToPolicy is a DecodeHookFunc that converts a string to domain.Policy.
func StringToPolicy() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(domain.Policy("")) {
			return data, nil
		}
		return domain.ParsePolicy(reflect.ValueOf(data).String())
	}
}

// StringToScheme is a DecodeHookFunc that converts a string to cipher.Scheme.
func StringToScheme() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(cipher.Scheme("")) {
			return data, nil
		}
		return cipher.ParseScheme(reflect.ValueOf(data).String())
	}
}
