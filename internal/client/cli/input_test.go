package cli

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSimpleText(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("hello world\n"))
	var out bytes.Buffer
	got, err := GetSimpleText(in, "Name?", &out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.Equal(t, "Name?\n> ", out.String())
}

func TestGetSimpleTextEOF(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("lastline"))
	var out bytes.Buffer
	got, err := GetSimpleText(in, "Name?", &out)
	require.NoError(t, err)
	assert.Equal(t, "lastline", got)

	_, err = GetSimpleText(bufio.NewReader(strings.NewReader("")), "Name?", &out)
	require.Error(t, err)
}

func TestGetPassword(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })

	readPassword = func(int) ([]byte, error) { return []byte("s3cret"), nil }
	var out bytes.Buffer
	pw, err := GetPassword(&out, "Password")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), pw)
	assert.Equal(t, "Password: \n", out.String())

	readPassword = func(int) ([]byte, error) { return nil, errors.New("not a terminal") }
	_, err = GetPassword(&out, "Password")
	require.Error(t, err)
}

func TestGetAttributes(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("score=4.5\nnote = very good \npresent=true\nbroken\nlevel=NaN\n\nignored=1\n"))
	var out bytes.Buffer

	attrs, err := GetAttributes(in, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"score":   4.5,
		"note":    "very good",
		"present": true,
		"level":   "NaN",
	}, attrs)
	assert.Contains(t, out.String(), `skipped "broken"`)
}

func TestGetAttributes_EOFWithoutBlankLine(t *testing.T) {
	in := bufio.NewReader(strings.NewReader("a=1"))
	attrs, err := GetAttributes(in, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, attrs)
}
