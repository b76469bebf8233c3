package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// MaxEmployeesPerRequest caps one POST /employees batch
const MaxEmployeesPerRequest = 1000

// EmployeeHandler handles direct employee inserts
type EmployeeHandler struct {
	repo repositories.EmployeeRepo
}

func NewEmployeeHandler(repo repositories.EmployeeRepo) *EmployeeHandler {
	return &EmployeeHandler{repo: repo}
}

type createEmployeesRequest struct {
	Employees []models.NewEmployee `validate:"min=1,max=1000,dive"`
}

type CreateEmployeesResponse struct {
	Result string `json:"result"`
}

func (h *EmployeeHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/employees", h.Create)
}

// Create handles POST /employees
func (h *EmployeeHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var employees []models.NewEmployee
	if err := (&echo.DefaultBinder{}).BindBody(c, &employees); err != nil {
		return BadRequest("request body must be a JSON array of {name, department, job}")
	}

	if err := Validate(createEmployeesRequest{Employees: employees}); err != nil {
		return err
	}

	if _, err := h.repo.CreateEmployees(ctx, employees); err != nil {
		return err
	}

	return SuccessResponse(c, CreateEmployeesResponse{Result: "Batch inserted correctly"})
}
