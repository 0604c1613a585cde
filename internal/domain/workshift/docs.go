package workshift

import (
	"net/http"

	"github.com/ehr/workshift/internal/platform/openapi"
)

const tag = "workshifts"

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	uuidProp     = map[string]string{"type": "string", "format": "uuid"}
	dateTimeProp = map[string]string{"type": "string", "format": "date-time"}
	minutesProp  = map[string]interface{}{"type": "integer", "minimum": MinDuration, "default": DefaultDuration}
)

// Describe adds the workshift routes and payload schemas to g. Paths are
// relative to the API prefix.
func (h *Handler) Describe(g *openapi.Generator) {
	g.AddSchema("Workshift", objectSchema(nil, map[string]interface{}{
		"_id":       uuidProp,
		"doctorId":  uuidProp,
		"clinicId":  uuidProp,
		"startDate": dateTimeProp,
		"duration":  map[string]string{"type": "integer"},
		"endDate":   dateTimeProp,
		"createdAt": dateTimeProp,
		"updatedAt": dateTimeProp,
	}))
	g.AddSchema("CreateRequest", objectSchema([]string{"doctorId", "clinicId", "startDate"}, map[string]interface{}{
		"doctorId":  uuidProp,
		"clinicId":  uuidProp,
		"startDate": dateTimeProp,
		"duration":  minutesProp,
	}))
	g.AddSchema("BulkRequest", objectSchema([]string{"doctorId", "clinicId", "periodStartDate", "periodEndDate"}, map[string]interface{}{
		"doctorId":        uuidProp,
		"clinicId":        uuidProp,
		"periodStartDate": dateTimeProp,
		"periodEndDate":   dateTimeProp,
		"duration":        minutesProp,
	}))
	g.AddSchema("UpdateRequest", objectSchema([]string{"startDate", "duration"}, map[string]interface{}{
		"doctorId":  uuidProp,
		"clinicId":  uuidProp,
		"startDate": dateTimeProp,
		"duration":  minutesProp,
	}))
	g.AddSchema("Availability", objectSchema([]string{"available"}, map[string]interface{}{
		"available": map[string]string{"type": "boolean"},
		"doctorId":  uuidProp,
		"doctorIds": map[string]interface{}{"type": "array", "items": uuidProp},
	}))

	rejected := openapi.Response{Description: "Validation or scheduling rule failed", Schema: "Error"}
	notFound := openapi.Response{Description: "Workshift not found", Schema: "Error"}

	g.AddOperation(
		openapi.Operation{
			Method: http.MethodGet, Path: "/workshifts", Tag: tag,
			Summary: "List workshifts", OperationID: "listWorkshifts",
			Params: []openapi.Param{
				{Name: "limit", Type: "integer", Description: "Page size; omitted returns every record"},
				{Name: "offset", Type: "integer"},
			},
			Responses: map[int]openapi.Response{200: {Description: "Workshifts ordered by start", Schema: "Workshift", Array: true}},
		},
		openapi.Operation{
			Method: http.MethodPost, Path: "/workshifts", Tag: tag,
			Summary: "Create a workshift", OperationID: "createWorkshift", RequestSchema: "CreateRequest",
			Responses: map[int]openapi.Response{201: {Description: "Created", Schema: "Workshift"}, 400: rejected},
		},
		openapi.Operation{
			Method: http.MethodPost, Path: "/workshifts/week", Tag: tag,
			Summary: "Create one workshift per day of a period", OperationID: "createWorkshiftPeriod", RequestSchema: "BulkRequest",
			Responses: map[int]openapi.Response{201: {Description: "Created", Schema: "Workshift", Array: true}, 400: rejected},
		},
		openapi.Operation{
			Method: http.MethodGet, Path: "/workshifts/availability", Tag: tag,
			Summary: "Doctors starting a shift at a clinic", OperationID: "workshiftAvailability",
			Params: []openapi.Param{
				{Name: "clinicId", Type: "string", Format: "uuid", Required: true},
				{Name: "date", Type: "string", Format: "date-time", Required: true},
			},
			Responses: map[int]openapi.Response{200: {Description: "Availability", Schema: "Availability"}, 400: rejected},
		},
		openapi.Operation{
			Method: http.MethodGet, Path: "/workshifts/doctor/:doctorId", Tag: tag,
			Summary: "List a doctor's workshifts", OperationID: "listDoctorWorkshifts",
			Responses: map[int]openapi.Response{200: {Description: "Workshifts", Schema: "Workshift", Array: true}, 404: notFound},
		},
		openapi.Operation{
			Method: http.MethodGet, Path: "/workshifts/:id", Tag: tag,
			Summary: "Read a workshift", OperationID: "getWorkshift",
			Responses: map[int]openapi.Response{200: {Description: "Workshift", Schema: "Workshift"}, 404: notFound},
		},
		openapi.Operation{
			Method: http.MethodPut, Path: "/workshifts/:id", Tag: tag,
			Summary: "Reschedule a workshift", OperationID: "updateWorkshift", RequestSchema: "UpdateRequest",
			Responses: map[int]openapi.Response{200: {Description: "Updated", Schema: "Workshift"}, 400: rejected, 404: notFound},
		},
		openapi.Operation{
			Method: http.MethodDelete, Path: "/workshifts/:id", Tag: tag,
			Summary: "Delete a workshift", OperationID: "deleteWorkshift",
			Responses: map[int]openapi.Response{204: {Description: "Deleted"}, 404: notFound},
		},
	)
}
