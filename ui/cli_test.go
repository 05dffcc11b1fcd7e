package ui

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memProperties struct {
	data map[string]string
}

func newMemProperties() *memProperties { return &memProperties{data: make(map[string]string)} }

func (m *memProperties) Get(key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memProperties) Set(key, value string) error {
	m.data[key] = value
	return nil
}

func (m *memProperties) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func newDialog(input string, store *memProperties) *CLIDialog {
	in := bufio.NewReader(bytes.NewBufferString(input))
	out := bufio.NewWriter(&bytes.Buffer{})
	return NewCLIDialog(in, out, store)
}

func TestPromptInitialSetup_StoresCanonicalUUID(t *testing.T) {
	store := newMemProperties()
	d := newDialog("550e8400-e29b-41d4-a716-446655440000\n", store)

	err := d.PromptInitialSetup(context.Background())
	require.NoError(t, err)

	v, ok, _ := store.Get("HEVY_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", v)
}

func TestPromptInitialSetup_RejectsNonUUID(t *testing.T) {
	store := newMemProperties()
	d := newDialog("not-a-real-key\n", store)

	err := d.PromptInitialSetup(context.Background())
	require.Error(t, err)

	_, ok, _ := store.Get("HEVY_API_KEY")
	assert.False(t, ok)
}

func TestPromptInitialSetup_RejectsNonCanonicalUUIDVariant(t *testing.T) {
	store := newMemProperties()
	// valid per uuid.Parse but not the canonical 36-char hyphenated form.
	d := newDialog("urn:uuid:550e8400-e29b-41d4-a716-446655440000\n", store)

	err := d.PromptInitialSetup(context.Background())
	require.Error(t, err)
}

func TestPromptReenterKey_RejectsShortKey(t *testing.T) {
	store := newMemProperties()
	d := newDialog("short\n", store)

	err := d.PromptReenterKey(context.Background())
	require.Error(t, err)
}
