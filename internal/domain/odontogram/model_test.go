package odontogram

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTreatmentRecord_IsGlobal(t *testing.T) {
	assert.True(t, (&TreatmentRecord{}).IsGlobal())

	tooth := uuid.New()
	assert.False(t, (&TreatmentRecord{ToothRecordID: &tooth}).IsGlobal())
}
