package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/domain"
)

// maxFormVehicles bounds the vehicle rows accepted from one registration form.
const maxFormVehicles = 20

func vehicleInputFromForm(r *http.Request, prefix string) domain.VehicleInput {
	return domain.VehicleInput{
		Brand:         r.PostFormValue(prefix + "brand"),
		Model:         r.PostFormValue(prefix + "model"),
		Year:          r.PostFormValue(prefix + "year"),
		LicensePlate:  r.PostFormValue(prefix + "license_plate"),
		ChassisNumber: r.PostFormValue(prefix + "chassis_number"),
		Province:      r.PostFormValue(prefix + "province"),
	}
}

// vehicleCount reads the hidden vehicle_count field, clamped to [1, maxFormVehicles].
func vehicleCount(r *http.Request) int {
	n, err := strconv.Atoi(r.PostFormValue("vehicle_count"))
	if err != nil || n < 1 {
		return 1
	}
	return min(n, maxFormVehicles)
}

// vehicleFields is the view of one vehicle sub-form.
type vehicleFields struct {
	Prefix    string
	DomID     string
	Index     int
	Input     domain.VehicleInput
	Errors    domain.FieldErrors
	Province  bool
	Removable bool
	Catalog   *catalog.Catalog
}

// Years lists the years offered for the selected model.
func (v vehicleFields) Years() yearSelect {
	return yearSelect{
		Name:     v.Prefix + "year",
		DomID:    v.DomID + "-year",
		Years:    v.Catalog.Years(v.Input.Model),
		Selected: strings.TrimSpace(v.Input.Year),
	}
}

func (v vehicleFields) Error(field string) string {
	return fieldError(v.Errors, v.Prefix+field)
}
