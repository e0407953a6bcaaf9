package mirror

import (
	"fmt"
	"mime"
	"path"
	"strings"
)

var contentTypes = map[string]string{
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".json": "application/json",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".pdf":  "application/pdf",
}

// ContentType picks a MIME type from the file extension. The fixed table
// wins over the platform registry so results don't vary by host.
func ContentType(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// ContentDisposition renders images inline and everything else as an
// attachment.
func ContentDisposition(contentType, filename string) string {
	disp := "attachment"
	if strings.HasPrefix(contentType, "image/") {
		disp = "inline"
	}
	return fmt.Sprintf("%s; filename=%q", disp, filename)
}
