package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// PasswordEnv supplies the password when --password is omitted.
const PasswordEnv = "COACHDESK_USER_PASSWORD"

// UserCreator stores new accounts.
type UserCreator interface {
	CreateUser(ctx context.Context, email, name, role, password string) (int64, error)
}

// CreateUser parses `users create` flags and stores the account.
func CreateUser(ctx context.Context, creator UserCreator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("users create", flag.ContinueOnError)
	fs.SetOutput(out)
	email := fs.String("email", "", "login email")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "client", "coach or client")
	password := fs.String("password", "", "password (or "+PasswordEnv+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *name == "" {
		return errors.New("users create: --email and --name are required")
	}
	if *password == "" {
		*password = os.Getenv(PasswordEnv)
	}
	id, err := creator.CreateUser(ctx, *email, *name, *role, *password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "created %s user %d <%s>\n", *role, id, *email)
	return err
}
