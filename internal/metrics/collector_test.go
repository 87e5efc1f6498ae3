package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Code, rec.Body.String()
}

func TestCollectorCounts(t *testing.T) {
	c, err := NewCollector(3, nil)
	require.NoError(t, err)

	c.Command("FOLLOW", "ok")
	c.Command("FOLLOW", "ok")
	c.Command("FOLLOW", "rejected")
	c.Replication("sent")
	c.Delivery("queued")
	c.PrimaryChanged(false)
	c.PrimaryChanged(true)
	c.FrontEndLinks(2)
	c.FrontEndLinks(-1)

	code, body := scrape(t, c)
	require.Equal(t, http.StatusOK, code)
	for _, want := range []string{
		`chatring_commands_total{command="FOLLOW",peer="3",result="ok"} 2`,
		`chatring_commands_total{command="FOLLOW",peer="3",result="rejected"} 1`,
		`chatring_replication_total{peer="3",result="sent"} 1`,
		`chatring_deliveries_total{outcome="queued",peer="3"} 1`,
		`chatring_primary_changes_total{peer="3"} 2`,
		`chatring_is_primary{peer="3"} 1`,
		`chatring_frontend_links{peer="3"} 1`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestHandlerExposesDirectoryGauges(t *testing.T) {
	c, err := NewCollector(0, func() (int, int, int) { return 5, 2, 7 })
	require.NoError(t, err)

	_, body := scrape(t, c)
	assert.Contains(t, body, `chatring_users{peer="0"} 5`)
	assert.Contains(t, body, `chatring_sessions{peer="0"} 2`)
	assert.Contains(t, body, `chatring_pending_notifications{peer="0"} 7`)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Command("SEND", "ok")
		c.Replication("failed")
		c.Delivery("delivered")
		c.PrimaryChanged(true)
		c.FrontEndLinks(1)
	})
	code, _ := scrape(t, c)
	assert.Equal(t, http.StatusNotFound, code)
}
