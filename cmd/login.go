package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errNotLoggedIn is returned when neither stored cookies nor the operator
// produced a logged-in session in time.
var errNotLoggedIn = errors.New("not logged in")

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Logs in once and saves the session cookies",
		Long: `Opens the site in a visible browser, tries the saved cookies first and
otherwise waits for a manual login. On success the cookie file is refreshed
so later crawls can run headless.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctrl, err := appInstance.OpenSession(cmd.Context())
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			if !ctrl.Login(cmd.Context()) {
				return fmt.Errorf("%w within %s", errNotLoggedIn, appInstance.Config().Session.LoginPollTimeout)
			}
			st := ctrl.State()
			appInstance.Logger().Info("Logged in",
				zap.Int("cookies", st.CookieCount),
				zap.String("cookie_file", appInstance.Config().Session.CookieFile))
			return printJSON(cmd, st)
		},
	}
}
