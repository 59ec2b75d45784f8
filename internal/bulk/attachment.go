package bulk

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	apperrors "github.com/fhirbridge/receiver/internal/errors"
)

type attachment struct {
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
	Data        string `json:"data"`
}

type documentReference struct {
	ID      string `json:"id"`
	Content []struct {
		Attachment attachment `json:"attachment"`
	} `json:"content"`
}

var contentTypeExtensions = map[string]string{
	"application/pdf":  ".pdf",
	"application/json": ".json",
	"application/xml":  ".xml",
	"text/plain":       ".txt",
	"text/html":        ".html",
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
}

// processAttachments resolves and fetches every content[].attachment of
// a DocumentReference resource. Attachment failures are reported but
// never abort processing of sibling attachments or resources.
func (f *Fetcher) processAttachments(ctx context.Context, resource []byte, exportType string, fileURL *url.URL, dest string, line int) {
	var doc documentReference
	if err := json.Unmarshal(resource, &doc); err != nil {
		return
	}

	docsDir := filepath.Join(f.dest, exportType, "documents")

	for _, content := range doc.Content {
		if ctx.Err() != nil {
			return
		}
		att := content.Attachment

		switch {
		case att.URL != "":
			f.downloadAttachment(ctx, att, resource, fileURL, docsDir, dest, line)
		case att.Data != "":
			f.decodeAttachment(att, doc.ID, resource, docsDir, dest, line)
		}
	}
}

// downloadAttachment streams an attachment referenced by URL to
// <exportType>/documents/<basename>.
func (f *Fetcher) downloadAttachment(ctx context.Context, att attachment, resource []byte, fileURL *url.URL, docsDir, dest string, line int) {
	target, err := f.resolveAttachmentURL(att.URL, fileURL)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueInvalid,
			Message:     fmt.Sprintf("invalid attachment URL %q", att.URL),
			Destination: dest,
			Resource:    resource,
			Line:        line,
			Cause:       err,
		})
		return
	}

	reqInfo := &RequestInfo{Method: http.MethodGet, URL: target.String()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:    apperrors.IssueInvalid,
			Message:  fmt.Sprintf("invalid attachment URL %q", att.URL),
			Request:  reqInfo,
			Resource: resource,
			Line:     line,
			Cause:    err,
		})
		return
	}
	f.applyHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:    apperrors.IssueTransient,
			Message:  fmt.Sprintf("failed to fetch attachment %s: %v", target, err),
			Request:  reqInfo,
			Resource: resource,
			Line:     line,
			Cause:    err,
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		issue := apperrors.IssueTransient
		if resp.StatusCode == http.StatusNotFound {
			issue = apperrors.IssueNotFound
		}
		f.emitError(&DownloadError{
			Issue:   issue,
			Message: fmt.Sprintf("attachment request returned %s", resp.Status),
			Request: reqInfo,
			Response: &ResponseInfo{
				StatusCode:  resp.StatusCode,
				Status:      resp.Status,
				ContentType: resp.Header.Get("Content-Type"),
			},
			Resource: resource,
			Line:     line,
		})
		return
	}

	name := path.Base(target.Path)
	outPath := filepath.Join(docsDir, name)
	if err := writeStream(outPath, resp.Body); err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueProcessing,
			Message:     fmt.Sprintf("failed to write attachment %s: %v", name, err),
			Request:     reqInfo,
			Destination: outPath,
			Resource:    resource,
			Line:        line,
			Cause:       err,
		})
	}
}

// decodeAttachment base64-decodes inline attachment data and writes it
// to <exportType>/documents/<id><ext>. A decode failure is a defined
// error path.
func (f *Fetcher) decodeAttachment(att attachment, docID string, resource []byte, docsDir, dest string, line int) {
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueInvalid,
			Message:     "inline attachment data is not valid base64",
			Destination: dest,
			Resource:    resource,
			Line:        line,
			Cause:       err,
		})
		return
	}

	name := docID + extensionForContentType(att.ContentType)
	outPath := filepath.Join(docsDir, name)
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueProcessing,
			Message:     fmt.Sprintf("failed to create documents directory: %v", err),
			Destination: outPath,
			Resource:    resource,
			Line:        line,
			Cause:       err,
		})
		return
	}
	if err := os.WriteFile(outPath, decoded, 0o644); err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueProcessing,
			Message:     fmt.Sprintf("failed to write attachment %s: %v", name, err),
			Destination: outPath,
			Resource:    resource,
			Line:        line,
			Cause:       err,
		})
	}
}

// removeAttachments scans a previously written NDJSON file and deletes
// the attachment artifacts its DocumentReference lines produced. The
// local file is the record of what was actually persisted, so a missing
// file means there is nothing to roll back.
func (f *Fetcher) removeAttachments(et exportedEntry, fileURL *url.URL, dest string) {
	in, err := os.Open(dest)
	if err != nil {
		return
	}
	defer in.Close()

	docsDir := filepath.Join(f.dest, et.exportType, "documents")
	reader := bufio.NewReader(in)
	for {
		line, readErr := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			f.removeLineAttachments([]byte(trimmed), fileURL, docsDir)
		}
		if readErr != nil {
			return
		}
	}
}

func (f *Fetcher) removeLineAttachments(line []byte, fileURL *url.URL, docsDir string) {
	res, err := parseResource(line, "")
	if err != nil || res.ResourceType != "DocumentReference" {
		return
	}
	var doc documentReference
	if err := json.Unmarshal(line, &doc); err != nil {
		return
	}

	for _, content := range doc.Content {
		att := content.Attachment
		var name string
		switch {
		case att.URL != "":
			target, err := f.resolveAttachmentURL(att.URL, fileURL)
			if err != nil {
				continue
			}
			name = path.Base(target.Path)
		case att.Data != "":
			name = doc.ID + extensionForContentType(att.ContentType)
		default:
			continue
		}

		outPath := filepath.Join(docsDir, name)
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			f.emitError(&DownloadError{
				Issue:       apperrors.IssueProcessing,
				Message:     fmt.Sprintf("failed to remove attachment %s: %v", name, err),
				Destination: outPath,
				Cause:       err,
			})
		}
	}
}

// resolveAttachmentURL applies the attachment resolution rules in
// priority order: absolute http URLs as-is, a leading "/" against the
// FHIR base, a leading "." against the containing NDJSON file's URL,
// anything else against the FHIR base.
func (f *Fetcher) resolveAttachmentURL(raw string, fileURL *url.URL) (*url.URL, error) {
	switch {
	case strings.HasPrefix(raw, "http"):
		return url.Parse(raw)
	case strings.HasPrefix(raw, "/"):
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		return f.fhirBase.ResolveReference(ref), nil
	case strings.HasPrefix(raw, "."):
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		return fileURL.ResolveReference(ref), nil
	default:
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		return f.fhirBase.ResolveReference(ref), nil
	}
}

func extensionForContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if ext, ok := contentTypeExtensions[ct]; ok {
		return ext
	}
	return ""
}

func writeStream(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, body)
	return err
}
