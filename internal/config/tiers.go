package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/memohai/tentacle/internal/instance"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadTiers reads the gateway tiers file. Environment references such as
// ${GEMINI_API_KEY} are expanded before decoding.
func LoadTiers(path string) (instance.Tiers, error) {
	if path == "" {
		path = DefaultTiersPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return instance.Tiers{}, fmt.Errorf("read tiers: %w", err)
	}
	return ParseTiers(raw)
}

// ParseTiers decodes and validates a tiers document.
func ParseTiers(raw []byte) (instance.Tiers, error) {
	var tiers instance.Tiers
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(&tiers); err != nil && !errors.Is(err, io.EOF) {
		return instance.Tiers{}, fmt.Errorf("decode tiers: %w", err)
	}
	if err := validate.Struct(tiers); err != nil {
		return instance.Tiers{}, fmt.Errorf("validate tiers: %w", describeValidation(err))
	}
	return tiers, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
