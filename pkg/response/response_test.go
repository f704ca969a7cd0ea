package response

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestParseVersionTag(t *testing.T) {
	for tag, want := range map[string]int{`3`: 3, `"3"`: 3, `W/"12"`: 12, ` 7 `: 7} {
		got, err := ParseVersionTag(tag)
		require.NoError(t, err, tag)
		assert.Equal(t, want, got, tag)
	}
	for _, tag := range []string{``, `"abc"`, `W/"abc"`, `0`, `-1`, `*`} {
		_, err := ParseVersionTag(tag)
		assert.Error(t, err, tag)
	}
	assert.Equal(t, `"4"`, ETag(4))
}

func TestVersionedSetsETag(t *testing.T) {
	c, w := newContext()
	Versioned(c, http.StatusOK, map[string]string{"school_id": "STU00001"}, 4)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"4"`, w.Header().Get("ETag"))
	assert.JSONEq(t, `{"data":{"school_id":"STU00001"}}`, w.Body.String())
}

func TestErrorUsesAppErrorStatus(t *testing.T) {
	c, w := newContext()
	Error(c, appErrors.Clone(appErrors.ErrReadOnly, "attendance already recorded"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), "attendance already recorded")
}

func TestAttachment(t *testing.T) {
	c, w := newContext()
	Attachment(c, "text/csv; charset=utf-8", "statement_STU00001.csv", []byte("a,b\n"))
	assert.Equal(t, `attachment; filename="statement_STU00001.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "a,b\n", w.Body.String())
}
