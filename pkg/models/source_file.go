package models

import (
	"fmt"
	"path"
)

// Dataset names one of the HR inputs. It doubles as the staging table suffix.
type Dataset string

const (
	DatasetDepartments    Dataset = "departments"
	DatasetJobs           Dataset = "jobs"
	DatasetHiredEmployees Dataset = "hired_employees"
)

// Datasets lists the inputs in the order the workflow loads them.
var Datasets = []Dataset{DatasetDepartments, DatasetJobs, DatasetHiredEmployees}

func (d Dataset) Valid() bool {
	switch d {
	case DatasetDepartments, DatasetJobs, DatasetHiredEmployees:
		return true
	}
	return false
}

func (d Dataset) StagingTable() string {
	return "staging_" + string(d)
}

// StagingColumns are the CSV columns of the dataset in file order.
func (d Dataset) StagingColumns() []string {
	switch d {
	case DatasetDepartments:
		return []string{"id", "department"}
	case DatasetJobs:
		return []string{"id", "job"}
	case DatasetHiredEmployees:
		return []string{"id", "name", "hired_datetime", "department_id", "job_id"}
	}
	return nil
}

// FileStatus is the lifecycle folder a source file sits in.
type FileStatus string

const (
	FileStatusUnprocessed FileStatus = "unprocessed"
	FileStatusProcessed   FileStatus = "processed"
)

// SourceFile is one CSV object under {domain}/{dataset}/{status}/{name}.
type SourceFile struct {
	Domain  string     `json:"domain"`
	Dataset Dataset    `json:"dataset"`
	Status  FileStatus `json:"status"`
	Name    string     `json:"name"`
	Size    int64      `json:"size"`
}

func (f SourceFile) Prefix() string {
	return StatusPrefix(f.Domain, f.Dataset, f.Status)
}

func (f SourceFile) Key() string {
	return path.Join(f.Prefix(), f.Name)
}

// WithStatus returns the same file moved to status.
func (f SourceFile) WithStatus(status FileStatus) SourceFile {
	f.Status = status
	return f
}

func (f SourceFile) String() string {
	return f.Key()
}

// StatusPrefix renders the folder holding files of one status, with a trailing slash.
func StatusPrefix(domain string, dataset Dataset, status FileStatus) string {
	return fmt.Sprintf("%s/%s/%s/", domain, dataset, status)
}
