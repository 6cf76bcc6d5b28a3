package schemas

import (
	"net/mail"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// StaffType is the schema type of store staff.
const StaffType = "staff"

// StaffRecord is one staff member.
type StaffRecord struct {
	StaffCode string
	FullName  string
	Email     string
	StoreCode string
	Active    bool
}

func (r StaffRecord) SchemaType() string { return StaffType }
func (r StaffRecord) NaturalKey() string { return r.StaffCode }

func init() {
	core.Register(core.SchemaDefinition{
		Type:      StaffType,
		Label:     "Staff",
		KeyFields: []string{"staff_code"},
		Fields: []core.FieldSpec{
			{Name: "staff_code", Aliases: []string{"kode staff", "kode karyawan", "employee id", "nik"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "full_name", Aliases: []string{"nama", "nama lengkap", "name"}, Type: core.FieldText, Required: true},
			{Name: "email", Aliases: []string{"e-mail", "email address"}, Type: core.FieldText, Normalizer: NormalizeEmail},
			{Name: "store_code", Aliases: []string{"kode toko", "store"}, Type: core.FieldCode, Required: true, Normalizer: NormalizeCode},
			{Name: "active", Aliases: []string{"aktif", "status"}, Type: core.FieldBool},
		},
		Build: buildStaff,
	})
}

func buildStaff(v core.Values) (core.Record, error) {
	rec := StaffRecord{
		StaffCode: v.String("staff_code"),
		FullName:  v.String("full_name"),
		Email:     v.String("email"),
		StoreCode: v.String("store_code"),
		Active:    true,
	}
	if rec.Email != "" {
		addr, err := mail.ParseAddress(rec.Email)
		if err != nil || addr.Address != rec.Email {
			return nil, &core.FieldError{Field: "email", Reason: "invalid email address"}
		}
	}
	if active, ok := v.Bool("active"); ok {
		rec.Active = active
	}
	return rec, nil
}
