package utils

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
)

// JSONPage writes the paged list envelope: the rows, how many this page
// holds and how many match overall.
func JSONPage(ctx iris.Context, data interface{}, count int, total int64) {
	ctx.JSON(iris.Map{"success": true, "count": count, "total": total, "data": data})
}

func JSONError(ctx iris.Context, status int, code, message string) {
	ctx.StatusCode(status)
	ctx.JSON(iris.Map{"error": code, "message": message})
}

func CreateNotFound(ctx iris.Context) {
	JSONError(ctx, iris.StatusNotFound, "not_found", "resource not found")
}

func CreateForbidden(ctx iris.Context) {
	JSONError(ctx, iris.StatusForbidden, "forbidden", "you do not have access to this resource")
}

func CreateInternalServerError(ctx iris.Context) {
	JSONError(ctx, iris.StatusInternalServerError, "internal", "an internal error occurred")
}

// HandleValidationErrors turns ReadJSON/validator failures into a 400 with
// per-field details when available.
func HandleValidationErrors(err error, ctx iris.Context) {
	ctx.StatusCode(iris.StatusBadRequest)

	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		fields := make([]iris.Map, 0, len(errs))
		for _, e := range errs {
			fields = append(fields, iris.Map{"field": e.Field(), "rule": e.Tag()})
		}
		ctx.JSON(iris.Map{"error": "validation", "message": "invalid input", "fields": fields})
		return
	}

	ctx.JSON(iris.Map{"error": "validation", "message": err.Error()})
}
