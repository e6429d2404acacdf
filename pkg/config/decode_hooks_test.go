package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/crm-sync/pkg/crm"
)

type hookTarget struct {
	Kinds   []crm.EntityKind `mapstructure:"kinds"`
	Props   []string         `mapstructure:"props"`
	Timeout time.Duration    `mapstructure:"timeout"`
	Secret  string           `mapstructure:"secret"`
}

func decode(t *testing.T, input map[string]interface{}) (*hookTarget, error) {
	t.Helper()
	out := &hookTarget{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: ComposeDecodeHookFunc(WithAdditionalDecodeHooks(SecretFileHookFunc())),
		Result:     out,
	})
	require.NoError(t, err)
	return out, dec.Decode(input)
}

func TestDecodeHooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	out, err := decode(t, map[string]interface{}{
		"kinds":   "Events, people,",
		"props":   "email, firstname",
		"timeout": "45s",
		"secret":  FilePrefix + path,
	})
	require.NoError(t, err)
	require.Equal(t, []crm.EntityKind{crm.Events, crm.People}, out.Kinds)
	require.Equal(t, []string{"email", "firstname"}, out.Props)
	require.Equal(t, 45*time.Second, out.Timeout)
	require.Equal(t, "s3cret", out.Secret)
}

func TestDecodeHooks_Slices(t *testing.T) {
	out, err := decode(t, map[string]interface{}{
		"kinds": []string{"organizations"},
		"props": "",
	})
	require.NoError(t, err)
	require.Equal(t, []crm.EntityKind{crm.Organizations}, out.Kinds)
	require.Empty(t, out.Props)
}

func TestDecodeHooks_Errors(t *testing.T) {
	_, err := decode(t, map[string]interface{}{"kinds": "deals"})
	require.ErrorContains(t, err, "unknown entity kind")

	_, err = decode(t, map[string]interface{}{"secret": FilePrefix + filepath.Join(t.TempDir(), "missing")})
	require.ErrorContains(t, err, "reading secret file")
}
