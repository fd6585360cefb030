// Package foreign registers a set of host-provided functions into a VM's
// globals, in the shape the spec's foreign-function interface describes:
// ordinary Go functions wrapped as value.Foreign callables. None of this is
// part of the core language; it is exactly the kind of external
// collaborator the core consumes through OP_CALL without knowing anything
// about its implementation.
package foreign

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/gomail.v2"

	"github.com/jepugs/fn/pkg/value"
	"github.com/jepugs/fn/pkg/vm"
)

// Register binds every foreign function this package provides into
// machine's globals, under the names source code calls them by.
func Register(machine *vm.VM) {
	define(machine, "getenv", 1, false, getenv)
	define(machine, "load-env", 1, false, loadEnv)
	define(machine, "hash-password", 1, false, hashPassword)
	define(machine, "check-password", 2, false, checkPassword)
	define(machine, "jwt-sign", 2, false, jwtSign)
	define(machine, "jwt-verify", 2, false, jwtVerify)
	define(machine, "send-mail", 3, false, sendMail)
	define(machine, "ws-echo", 2, false, wsEcho)
}

func define(machine *vm.VM, name string, minArgs int, varArgs bool, fn value.ForeignFn) {
	machine.Define(name, value.FromForeign(value.NewForeign(name, minArgs, varArgs, fn)))
}

func wantString(v value.Value) (string, error) {
	if !v.IsString() {
		return "", fmt.Errorf("expected a string, got %s", v.Tag())
	}
	return v.UString().Value, nil
}

func str(s string) value.Value {
	return value.FromString(value.NewString(s, true))
}

// getenv looks up an environment variable, returning null if it's unset.
func getenv(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	name, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return value.Null, nil
	}
	return str(v), nil
}

// loadEnv reads a dotenv file into the process environment.
func loadEnv(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	path, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	if err := godotenv.Load(path); err != nil {
		return value.Value{}, err
	}
	return value.Null, nil
}

func hashPassword(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	pw, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return value.Value{}, err
	}
	return str(string(hash)), nil
}

func checkPassword(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	hash, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	pw, err := wantString(args[1])
	if err != nil {
		return value.Value{}, err
	}
	return value.Bool(bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil), nil
}

// jwtSign issues an HS256 token with a one-hour expiry for the given
// subject.
func jwtSign(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	subject, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	secret, err := wantString(args[1])
	if err != nil {
		return value.Value{}, err
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return value.Value{}, err
	}
	return str(signed), nil
}

// jwtVerify returns the token's subject claim if it verifies against
// secret and hasn't expired, or false otherwise.
func jwtVerify(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	tokStr, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	secret, err := wantString(args[1])
	if err != nil {
		return value.Value{}, err
	}
	tok, err := jwt.Parse(tokStr, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return value.False, nil
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return value.False, nil
	}
	sub, _ := claims["sub"].(string)
	return str(sub), nil
}

// sendMail delivers a plain-text message through an SMTP relay configured
// via FN_SMTP_{HOST,PORT,USER,PASS} environment variables.
func sendMail(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	to, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	subject, err := wantString(args[1])
	if err != nil {
		return value.Value{}, err
	}
	body, err := wantString(args[2])
	if err != nil {
		return value.Value{}, err
	}
	port, _ := strconv.Atoi(os.Getenv("FN_SMTP_PORT"))
	user := os.Getenv("FN_SMTP_USER")

	m := gomail.NewMessage()
	m.SetHeader("From", user)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(os.Getenv("FN_SMTP_HOST"), port, user, os.Getenv("FN_SMTP_PASS"))
	if err := d.DialAndSend(m); err != nil {
		return value.Value{}, err
	}
	return value.Null, nil
}

// wsEcho dials a websocket endpoint, sends one text message, and returns
// the first reply it receives.
func wsEcho(argc int, args []value.Value, _ interface{}) (value.Value, error) {
	rawURL, err := wantString(args[0])
	if err != nil {
		return value.Value{}, err
	}
	msg, err := wantString(args[1])
	if err != nil {
		return value.Value{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return value.Value{}, err
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return value.Value{}, err
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return value.Value{}, err
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return value.Value{}, err
	}
	return str(string(reply)), nil
}
