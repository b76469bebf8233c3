package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// ReportHandler serves the hiring reports for one reference year
type ReportHandler struct {
	repo repositories.ReportRepo
	year int
}

func NewReportHandler(repo repositories.ReportRepo, year int) *ReportHandler {
	return &ReportHandler{repo: repo, year: year}
}

func (h *ReportHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/employees_by_department", h.EmployeesByDepartment)
	e.GET("/abover_average_departments", h.AboveAverageDepartments)
}

// EmployeesByDepartment handles GET /employees_by_department
func (h *ReportHandler) EmployeesByDepartment(c echo.Context) error {
	from, to := repositories.YearWindow(h.year)
	rows, err := h.repo.HiresByQuarter(c.Request().Context(), from, to)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []models.QuarterlyHires{}
	}
	return SuccessResponse(c, rows)
}

// AboveAverageDepartments handles GET /abover_average_departments
func (h *ReportHandler) AboveAverageDepartments(c echo.Context) error {
	from, to := repositories.YearWindow(h.year)
	rows, err := h.repo.AboveAverageDepartments(c.Request().Context(), from, to)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []models.DepartmentHires{}
	}
	return SuccessResponse(c, rows)
}
