package models

import "time"

type Department struct {
	ID         int64  `db:"id" json:"id"`
	Department string `db:"department" json:"department"`
}

func (Department) TableName() string {
	return "departments"
}

type Job struct {
	ID  int64  `db:"id" json:"id"`
	Job string `db:"job" json:"job"`
}

func (Job) TableName() string {
	return "jobs"
}

// HiredEmployee is a hire event. The natural key is (hired_datetime, name, department_id, job_id).
type HiredEmployee struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	HiredDatetime time.Time `db:"hired_datetime" json:"hired_datetime"`
	DepartmentID  *int64    `db:"department_id" json:"department_id,omitempty"`
	JobID         *int64    `db:"job_id" json:"job_id,omitempty"`
}

func (HiredEmployee) TableName() string {
	return "hired_employees"
}

// NewEmployee is one entry of a direct employee insert, referencing department and job by name.
type NewEmployee struct {
	Name       string `json:"name" validate:"required"`
	Department string `json:"department" validate:"required"`
	Job        string `json:"job" validate:"required"`
}

// QuarterlyHires is one row of the hires-by-quarter report.
type QuarterlyHires struct {
	Department string `db:"department" json:"department"`
	Job        string `db:"job" json:"job"`
	Q1         int    `db:"q1" json:"Q1"`
	Q2         int    `db:"q2" json:"Q2"`
	Q3         int    `db:"q3" json:"Q3"`
	Q4         int    `db:"q4" json:"Q4"`
}

// DepartmentHires is one row of the above-average departments report.
type DepartmentHires struct {
	ID         int64  `db:"id" json:"id"`
	Department string `db:"department" json:"department"`
	Hired      int    `db:"hired" json:"hired"`
}
