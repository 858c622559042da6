package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrProctoringNotRequired  ErrCode = "PROCTORING_NOT_REQUIRED"
	ErrUnsupportedDevice      ErrCode = "UNSUPPORTED_DEVICE"
	ErrUnsupportedEnvironment ErrCode = "UNSUPPORTED_ENVIRONMENT"
	ErrFullscreenDenied       ErrCode = "FULLSCREEN_DENIED"
	ErrMediaDenied            ErrCode = "MEDIA_DENIED"
	ErrAttemptActive          ErrCode = "ATTEMPT_ALREADY_ACTIVE"
	ErrNoActiveAttempt        ErrCode = "NO_ACTIVE_ATTEMPT"
	ErrAttemptStarted         ErrCode = "ATTEMPT_ALREADY_STARTED"
	ErrAttemptNotStarted      ErrCode = "ATTEMPT_NOT_STARTED"
	ErrAttemptTerminated      ErrCode = "ATTEMPT_TERMINATED"
	ErrAttemptNotTerminated   ErrCode = "ATTEMPT_NOT_TERMINATED"
	ErrNoExitPending          ErrCode = "NO_EXIT_PENDING"
	ErrJustificationTooShort  ErrCode = "JUSTIFICATION_TOO_SHORT"
	ErrSubmissionFailed       ErrCode = "SUBMISSION_FAILED"
	ErrHelloRequired          ErrCode = "HELLO_REQUIRED"
	ErrUnknownAction          ErrCode = "UNKNOWN_ACTION"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."

	// ─── Proctoring ────────────────────────────────────────────────────
	case ErrProctoringNotRequired:
		return "Tugas ini tidak memerlukan mode ujian aman."
	case ErrUnsupportedDevice:
		return "Ujian aman tidak tersedia di perangkat seluler atau layar kecil."
	case ErrUnsupportedEnvironment:
		return "Browser Anda tidak mendukung layar penuh atau perekaman media."
	case ErrFullscreenDenied:
		return "Permintaan layar penuh ditolak."
	case ErrMediaDenied:
		return "Akses kamera atau layar ditolak."
	case ErrAttemptActive:
		return "Ujian aman untuk tugas ini sudah berjalan di koneksi lain."
	case ErrNoActiveAttempt:
		return "Tidak ada ujian aman yang sedang berjalan untuk tugas ini."
	case ErrAttemptStarted:
		return "Ujian aman sudah dimulai."
	case ErrAttemptNotStarted:
		return "Ujian aman belum dimulai."
	case ErrAttemptTerminated:
		return "Ujian aman sudah berakhir."
	case ErrAttemptNotTerminated:
		return "Ujian aman masih berjalan."
	case ErrNoExitPending:
		return "Tidak ada permintaan keluar yang menunggu konfirmasi."
	case ErrJustificationTooShort:
		return "Alasan keluar minimal 10 karakter."
	case ErrSubmissionFailed:
		return "Jawaban gagal dikirim. Silakan coba lagi."
	case ErrHelloRequired:
		return "Pesan pertama harus berupa hello."
	case ErrUnknownAction:
		return "Aksi tidak dikenal."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
