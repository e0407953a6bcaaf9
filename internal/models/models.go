// Package models contains the data types shared across the sync engine.
package models

import "time"

// FolderNode is a folder as reported by the remote API. ParentID is 0 for
// root-level folders or when the API omits the parent.
type FolderNode struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// Document is a document as listed for a project. FolderPath is filled in
// by the orchestrator once the folder has been resolved.
type Document struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	FolderID   int64     `json:"folder_id,omitempty"`
	FolderName string    `json:"folder_name,omitempty"`
	Modified   time.Time `json:"modified,omitempty"`
	FolderPath string    `json:"folder_path,omitempty"`
}

// Project is the subset of project detail the mirror needs.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// SyncResult summarizes a full project sync.
type SyncResult struct {
	Status        string `json:"status" yaml:"status"`
	ProjectID     int64  `json:"projectId" yaml:"projectId"`
	ProjectName   string `json:"projectName" yaml:"projectName"`
	DocumentCount int    `json:"documentCount" yaml:"documentCount"`
	UploadedCount int    `json:"uploadedCount" yaml:"uploadedCount"`
	FailedCount   int    `json:"failedCount" yaml:"failedCount"`
	SkippedCount  int    `json:"skippedCount" yaml:"skippedCount"`
}

// UpsertResult is returned after mirroring a single document.
type UpsertResult struct {
	Status     string   `json:"status" yaml:"status"`
	ProjectID  int64    `json:"projectId" yaml:"projectId"`
	DocumentID int64    `json:"documentId" yaml:"documentId"`
	Key        string   `json:"s3Key" yaml:"s3Key"`
	PrunedKeys []string `json:"prunedKeys,omitempty" yaml:"prunedKeys,omitempty"`
}

// DeleteResult is returned after removing a document's mirror objects.
type DeleteResult struct {
	Status      string   `json:"status" yaml:"status"`
	ProjectID   int64    `json:"projectId" yaml:"projectId"`
	DocumentID  int64    `json:"documentId" yaml:"documentId"`
	DeletedKeys []string `json:"deletedKeys,omitempty" yaml:"deletedKeys,omitempty"`
}

// Result statuses.
const (
	StatusSuccess  = "success"
	StatusUploaded = "uploaded"
	StatusDeleted  = "deleted"
	StatusNotFound = "not_found"
)
