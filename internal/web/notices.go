package web

import (
	"errors"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
	"github.com/quickcheck-project/quickcheck-liff/internal/store"
)

// Notification texts shown in the dismissible banner.
const (
	msgConnection       = "เกิดข้อผิดพลาดในการเชื่อมต่อกับเซิร์ฟเวอร์"
	msgLoadUserFailed   = "โหลดข้อมูลไม่สำเร็จ"
	msgLoginFailed      = "เข้าสู่ระบบด้วย LINE ไม่สำเร็จ กรุณาลองใหม่อีกครั้ง"
	msgAssessFailed     = "ส่งข้อมูลไม่สำเร็จ"
	msgUnsupportedImage = "รองรับเฉพาะไฟล์ภาพ JPEG, PNG, GIF และ WebP"
	msgImageRequired    = "กรุณาเลือกไฟล์รูปภาพ"
	msgVehicleAdded     = "เพิ่มรถสำเร็จ!"
	msgVehicleUpdated   = "แก้ไขข้อมูลรถสำเร็จ!"
	msgVehicleDeleted   = "ลบรถสำเร็จ!"
	msgFormInvalid      = "กรุณากรอกข้อมูลให้ครบถ้วน"
	msgRegisterFailed   = "ลงทะเบียนไม่สำเร็จ"
)

var serviceMessages = []struct {
	err error
	msg string
}{
	{service.ErrVehicleRequired, "กรุณาเลือกรถยนต์"},
	{service.ErrPartRequired, "กรุณาเลือกอะไหล่ให้ครบทุกภาพ"},
	{service.ErrImageRequired, "กรุณาอัปโหลดรูปภาพให้ครบทุกอะไหล่"},
	{service.ErrDuplicatePart, "อะไหล่นี้ถูกเลือกไปแล้ว กรุณาเลือกอะไหล่อื่น"},
	{service.ErrUnknownPart, "ไม่พบอะไหล่ที่เลือก"},
	{service.ErrUnknownVehicle, "ไม่พบรถยนต์คันนี้ในบัญชีของคุณ"},
	{service.ErrNoPartsLeft, "ไม่สามารถเพิ่มได้: ไม่มีอะไหล่ให้เลือกแล้ว"},
	{service.ErrTooManyRows, "เพิ่มรูปได้สูงสุด 7 รูป"},
	{service.ErrLastRow, "ต้องมีอย่างน้อย 1 รายการ"},
	{service.ErrImageTooLarge, "ไฟล์รูปภาพต้องมีขนาดไม่เกิน 10 MiB"},
	{store.ErrRowNotFound, "ไม่พบรายการนี้แล้ว กรุณาโหลดหน้าใหม่"},
	{store.ErrDraftNotFound, "ไม่พบรายการนี้แล้ว กรุณาโหลดหน้าใหม่"},
}

// userMessage maps err to the text shown to the user: a fixed message for
// known form errors, else the backend's detail, else fallback.
func userMessage(err error, fallback string) string {
	for _, m := range serviceMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		return msgFormInvalid
	}
	return backend.Detail(err, fallback)
}

// isUserError reports whether err is a form-level rejection rather than an
// infrastructure failure.
func isUserError(err error) bool {
	for _, m := range serviceMessages {
		if errors.Is(err, m.err) {
			return true
		}
	}
	var verr *service.ValidationError
	var apiErr *backend.APIError
	return errors.As(err, &verr) || errors.As(err, &apiErr)
}
