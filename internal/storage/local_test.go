package storage

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"marketplace_api/internal/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileHeader builds a real multipart.FileHeader by parsing a form.
func fileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))

	return req.MultipartForm.File["image"][0]
}

func TestLocal_Save(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, 1024)
	require.NoError(t, err)

	ref, err := store.Save(context.Background(), fileHeader(t, "Lamp.PNG", []byte("png-bytes")))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ref, "/uploads/"))
	assert.True(t, strings.HasSuffix(ref, ".png"))

	stored, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(ref, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(stored))
}

func TestLocal_RejectsExtension(t *testing.T) {
	store, err := NewLocal(t.TempDir(), 1024)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), fileHeader(t, "script.sh", []byte("#!/bin/sh")))

	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestLocal_RejectsOversize(t *testing.T) {
	store, err := NewLocal(t.TempDir(), 4)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), fileHeader(t, "big.jpg", []byte("too many bytes")))

	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestLocal_Remove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, 1024)
	require.NoError(t, err)

	ref, err := store.Save(context.Background(), fileHeader(t, "lamp.png", []byte("png-bytes")))
	require.NoError(t, err)

	require.NoError(t, store.Remove(context.Background(), ref))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, store.Remove(context.Background(), ref))
}

func TestLocal_RemoveIgnoresForeignReferences(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.png")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))
	store, err := NewLocal(filepath.Join(dir, "uploads"), 1024)
	require.NoError(t, err)

	assert.NoError(t, store.Remove(context.Background(), "/uploads/../keep.png"))
	assert.NoError(t, store.Remove(context.Background(), "https://cdn.test/keep.png"))

	_, err = os.Stat(keep)
	assert.NoError(t, err)
}
