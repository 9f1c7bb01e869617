package ipc

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate_RequestPayloads(t *testing.T) {
	cases := []struct {
		name   string
		req    any
		fields []string
	}{
		{name: "complete object ref", req: FolderObjectRequest{FolderID: "f1", ObjectKey: "a.pdf"}},
		{name: "missing object key", req: FolderObjectRequest{FolderID: "f1"}, fields: []string{"objectKey required"}},
		{name: "empty analyze", req: AnalyzeObjectRequest{}, fields: []string{"folderId required", "objectKey required"}},
		{name: "no object keys", req: ContentSignedURLsRequest{FolderID: "f1"}, fields: []string{"objectKeys min"}},
		{name: "blank object key", req: ContentSignedURLsRequest{FolderID: "f1", ObjectKeys: []string{"a", ""}}, fields: []string{"objectKeys[1] required"}},
		{name: "pointer", req: &AppRequest{}, fields: []string{"appIdentifier required"}},
		{name: "untagged", req: UpdateAppHashMappingRequest{}},
		{name: "not a struct", req: []string{"x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.req)
			if len(tc.fields) == 0 {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			var ie *Error
			if !errors.As(err, &ie) || ie.Kind != KindInvalid || ie.Code != "BAD_PAYLOAD" {
				t.Fatalf("expected invalid BAD_PAYLOAD, got %v", err)
			}
			for _, f := range tc.fields {
				if !strings.Contains(ie.Message, f) {
					t.Fatalf("message %q does not name %q", ie.Message, f)
				}
			}
		})
	}
}
