package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"squash/internal/model"
)

func main() {
	server := flag.String("server", "http://localhost:3000", "squash API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-server URL] <file_path>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	files, raw, err := upload(ctx, http.DefaultClient, *server, path)
	if err != nil {
		log.Fatalf("upload failed: %v", err)
	}

	for _, f := range files {
		fmt.Fprintf(os.Stderr, "File '%s' uploaded successfully as %s (%d bytes)\n", filepath.Base(path), f.FileRef, f.Size)
	}
	fmt.Println(string(raw))
}

// upload posts the file at path as the "file" part of a multipart form to
// <server>/files/upload and returns the decoded records along with the raw
// response body.
func upload(ctx context.Context, client *http.Client, server, path string) ([]model.UploadedFile, []byte, error) {
	name := filepath.Base(path)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, nil, fmt.Errorf("invalid file name: %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}

	body, contentType, err := multipartBody(name, data)
	if err != nil {
		return nil, nil, err
	}

	url := strings.TrimRight(server, "/") + "/files/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, raw, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var files []model.UploadedFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, raw, fmt.Errorf("decode response: %w", err)
	}
	return files, raw, nil
}

func multipartBody(name string, data []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}
