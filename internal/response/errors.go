package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden        ErrCode = "FORBIDDEN"
	ErrPermissionDenied ErrCode = "PERMISSION_DENIED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Assessment access ─────────────────────────────────────────────
	ErrAssessmentNotAvailable ErrCode = "ASSESSMENT_NOT_AVAILABLE"
	ErrPasswordRequired       ErrCode = "PASSWORD_REQUIRED"
	ErrInvalidPassword        ErrCode = "INVALID_PASSWORD"
	ErrInvalidAccessCode      ErrCode = "INVALID_ACCESS_CODE"
	ErrDomainNotAllowed       ErrCode = "DOMAIN_NOT_ALLOWED"
	ErrIPNotAllowed           ErrCode = "IP_NOT_ALLOWED"
	ErrOutsideSchedule        ErrCode = "OUTSIDE_SCHEDULE"
	ErrAttemptsExhausted      ErrCode = "ATTEMPTS_EXHAUSTED"
	ErrAttemptInSession       ErrCode = "ATTEMPT_IN_SESSION"

	// ─── Session ───────────────────────────────────────────────────────
	ErrLockdownUnavailable ErrCode = "LOCKDOWN_UNAVAILABLE"
	ErrSessionClosed       ErrCode = "SESSION_CLOSED"
	ErrSessionNotActive    ErrCode = "SESSION_NOT_ACTIVE"
	ErrInvalidTransition   ErrCode = "INVALID_TRANSITION"
	ErrAnswerRequired      ErrCode = "ANSWER_REQUIRED"
	ErrBacktrackDisabled   ErrCode = "BACKTRACK_DISABLED"
	ErrQuestionNotCurrent  ErrCode = "QUESTION_NOT_CURRENT"
	ErrUnknownQuestion     ErrCode = "UNKNOWN_QUESTION"
	ErrNoMoreQuestions     ErrCode = "NO_MORE_QUESTIONS"
	ErrNothingToRetry      ErrCode = "NOTHING_TO_RETRY"
	ErrSyncFailed          ErrCode = "SYNC_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrPermissionDenied:
		return "Izin ditolak."

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
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Assessment access ─────────────────────────────────────────────
	case ErrAssessmentNotAvailable:
		return "Asesmen ini saat ini tidak tersedia."
	case ErrPasswordRequired:
		return "Asesmen ini memerlukan kata sandi."
	case ErrInvalidPassword:
		return "Kata sandi asesmen salah."
	case ErrInvalidAccessCode:
		return "Kode akses tidak valid."
	case ErrDomainNotAllowed:
		return "Domain email Anda tidak diizinkan untuk asesmen ini."
	case ErrIPNotAllowed:
		return "Alamat IP Anda tidak diizinkan untuk asesmen ini."
	case ErrOutsideSchedule:
		return "Asesmen ini berada di luar jadwal pelaksanaan."
	case ErrAttemptsExhausted:
		return "Batas jumlah percobaan telah tercapai."
	case ErrAttemptInSession:
		return "Percobaan ini dikerjakan melalui sesi ujian dan tidak dapat dikirim ulang."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrLockdownUnavailable:
		return "Mode layar penuh atau kamera tidak dapat diaktifkan."
	case ErrSessionClosed:
		return "Sesi ujian telah berakhir."
	case ErrSessionNotActive:
		return "Sesi ujian belum dimulai."
	case ErrInvalidTransition:
		return "Perubahan status sesi tidak valid."
	case ErrAnswerRequired:
		return "Pertanyaan ini wajib dijawab sebelum melanjutkan."
	case ErrBacktrackDisabled:
		return "Kembali ke pertanyaan sebelumnya tidak diizinkan."
	case ErrQuestionNotCurrent:
		return "Hanya pertanyaan saat ini yang dapat dijawab."
	case ErrUnknownQuestion:
		return "Pertanyaan tidak ditemukan pada asesmen ini."
	case ErrNoMoreQuestions:
		return "Tidak ada pertanyaan berikutnya."
	case ErrNothingToRetry:
		return "Tidak ada pengiriman yang perlu diulang."
	case ErrSyncFailed:
		return "Jawaban tersimpan namun belum terkonfirmasi server."

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
