package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fvsync/fvsync/internal/models"
)

func TestRender(t *testing.T) {
	res := &models.SyncResult{Status: models.StatusSuccess, ProjectID: 42, ProjectName: "Smith v Jones", DocumentCount: 2, UploadedCount: 2}
	text := func() []string { return []string{"line one", "line two"} }

	tests := []struct {
		format string
		want   string
	}{
		{"text", "line one\nline two\n"},
		{"json", "{\n  \"status\": \"success\",\n  \"projectId\": 42,\n  \"projectName\": \"Smith v Jones\",\n  \"documentCount\": 2,\n  \"uploadedCount\": 2,\n  \"failedCount\": 0,\n  \"skippedCount\": 0\n}\n"},
		{"yaml", "status: success\nprojectId: 42\nprojectName: Smith v Jones\ndocumentCount: 2\nuploadedCount: 2\nfailedCount: 0\nskippedCount: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			output = tt.format
			defer func() { output = "text" }()

			var buf bytes.Buffer
			require.NoError(t, render(&buf, res, text))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestRender_UnknownFormat(t *testing.T) {
	output = "xml"
	defer func() { output = "text" }()
	assert.Error(t, render(&bytes.Buffer{}, nil, nil))
}

func TestDeleteLines(t *testing.T) {
	assert.Equal(t, []string{"document 9 has no mirrored copy"},
		deleteLines(&models.DeleteResult{Status: models.StatusNotFound, DocumentID: 9}))
	assert.Equal(t, []string{"deleted a/x.pdf", "deleted b/x.pdf"},
		deleteLines(&models.DeleteResult{Status: models.StatusDeleted, DeletedKeys: []string{"a/x.pdf", "b/x.pdf"}}))
}
