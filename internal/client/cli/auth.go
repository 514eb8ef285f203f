package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/client/services"
	"github.com/nhy497/rs-system-sub000/internal/common"
)

func (a *App) Login(ctx context.Context) error {
	username, err := GetSimpleText(a.reader, "Username", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "Password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	res := a.auth.Login(ctx, username, password)
	switch {
	case res.OK:
		fmt.Fprintf(a.out, "Logged in as %s (%s), session valid until %s\n",
			res.Session.Username, res.Session.Role,
			time.UnixMilli(res.Session.ExpiresAt).Format(time.DateTime))
		return nil
	case res.Reason == services.ReasonInvalidCredentials && res.AttemptsLeft > 0:
		return fmt.Errorf("%w, %d attempt(s) left", res.Err(), res.AttemptsLeft)
	default:
		return res.Err()
	}
}

func (a *App) Logout(ctx context.Context) error {
	a.auth.Logout(ctx)
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *App) WhoAmI(ctx context.Context) error {
	res := a.auth.CheckSession(ctx)
	if !res.OK {
		return res.Err()
	}
	s := res.Session
	fmt.Fprintf(a.out, "%s (%s), id %s, session %s expires %s\n",
		s.Username, s.Role, s.PrincipalID, s.SessionID,
		time.UnixMilli(s.ExpiresAt).Format(time.DateTime))
	return nil
}

func (a *App) Users(ctx context.Context) error {
	users, err := a.auth.Users(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Fprintf(a.out, "%-20s %-5s %s\n", u.Username, u.Role, u.Email)
	}
	return nil
}

func (a *App) AddUser(ctx context.Context) error {
	if !a.auth.Current().IsRoot() {
		return common.ErrForbidden
	}
	username, err := GetSimpleText(a.reader, "Username", a.out)
	if err != nil {
		return err
	}
	email, err := GetSimpleText(a.reader, "Email (optional)", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "Password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	p, err := a.auth.AddUser(ctx, username, email, password, models.RoleUser)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "User %s added\n", p.Username)
	return nil
}
