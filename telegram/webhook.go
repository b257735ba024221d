package telegram

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler accepts update deliveries from Telegram. Requests without the configured secret are refused. Updates are dispatched under ctx rather than the request context, since handling outlives the response.
func (b *Bot) WebhookHandler(ctx context.Context, secret string) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(SecretTokenHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret token")
		}
		var u Update
		if err := c.Bind(&u); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid update")
		}
		b.Dispatch(ctx, u, "webhook")
		return c.NoContent(http.StatusOK)
	}
}
