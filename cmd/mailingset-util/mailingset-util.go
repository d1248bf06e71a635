// mailingset-util is a command-line utility for mailingset-related
// operations.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"

	"github.com/dtolnay/mailingset/internal/config"
	"github.com/dtolnay/mailingset/internal/envelope"
	"github.com/dtolnay/mailingset/internal/expression"
	"github.com/dtolnay/mailingset/internal/normalize"
	"github.com/dtolnay/mailingset/internal/state"
	"github.com/dtolnay/mailingset/internal/userdb"
)

const usage = `mailingset-util is a command-line utility for mailingset operations.

Usage:
  mailingset-util [options] check-config
  mailingset-util [options] resolve <expression>
  mailingset-util [options] user-add <user@domain> [--password=<password>]
  mailingset-util [options] user-remove <user@domain>
  mailingset-util [options] authenticate <user@domain> [--password=<password>]

Commands:
  check-config   Load and print the configuration and the lists.
  resolve        Evaluate a set expression and print the subject tag and
                 the recipient addresses.
  user-add       Add a user to the database.
  user-remove    Remove a user from the database.
  authenticate   Check a user's password.

Options:
  -c <path>, --config=<path>  Configuration file
                              [default: /etc/mailingset/mailingset.conf]
`

func main() {
	args, err := docopt.Parse(usage, nil, true, "", false)
	if err != nil {
		fatalf("Error parsing arguments: %v", err)
	}

	conf, err := config.Load(args["--config"].(string), "")
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	switch {
	case args["check-config"].(bool):
		checkConfig(conf)
	case args["resolve"].(bool):
		resolve(conf, args["<expression>"].(string))
	case args["user-add"].(bool):
		userAdd(conf, args["<user@domain>"].(string), password(args))
	case args["user-remove"].(bool):
		userRemove(conf, args["<user@domain>"].(string))
	case args["authenticate"].(bool):
		authenticate(conf, args["<user@domain>"].(string), password(args))
	}
}

func fatalf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(1)
}

func checkConfig(conf *config.Config) {
	out, err := yaml.Marshal(conf)
	if err != nil {
		fatalf("Error formatting config: %v", err)
	}
	fmt.Printf("%s", out)

	st, err := state.Load(
		conf.Data.ListsDir, conf.Data.SymbolsFile, conf.Incoming.Domain)
	if err != nil {
		fatalf("Error loading lists: %v", err)
	}
	fmt.Printf("lists: %v\n", st.Lists())
}

func resolve(conf *config.Config, expr string) {
	st, err := state.Load(
		conf.Data.ListsDir, conf.Data.SymbolsFile, conf.Incoming.Domain)
	if err != nil {
		fatalf("Error loading lists: %v", err)
	}

	tag, addrs, err := expression.Parse(st.Resolve, expr)
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("tag: [%s]\n", tag)
	for _, addr := range addrs.Values() {
		fmt.Println(addr)
	}
}

func splitUser(conf *config.Config, addr string) string {
	user, domain := envelope.Split(addr)
	if domain == "" {
		fatalf("Domain missing, username should be of the form 'user@domain'")
	}
	if domain != conf.Incoming.Domain {
		fatalf("Domain %q does not match the configured %q",
			domain, conf.Incoming.Domain)
	}

	user, err := normalize.User(user)
	if err != nil {
		fatalf("Error normalizing user: %v", err)
	}
	return user
}

func loadUserDB(conf *config.Config) *userdb.DB {
	if conf.Data.UserDB == "" {
		fatalf("No data.userdb configured")
	}
	db, err := userdb.Load(conf.Data.UserDB)
	if err != nil {
		fatalf("Error loading database: %v", err)
	}
	return db
}

func password(args map[string]interface{}) string {
	if p, ok := args["--password"].(string); ok && p != "" {
		return p
	}

	fmt.Printf("Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fatalf("Error reading password: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func userAdd(conf *config.Config, addr, passwd string) {
	user := splitUser(conf, addr)
	db := loadUserDB(conf)

	if err := db.AddUser(user, passwd); err != nil {
		fatalf("Error adding user: %v", err)
	}
	if err := db.Write(); err != nil {
		fatalf("Error writing database: %v", err)
	}
	fmt.Println("Added user")
}

func userRemove(conf *config.Config, addr string) {
	user := splitUser(conf, addr)
	db := loadUserDB(conf)

	if !db.RemoveUser(user) {
		fatalf("Unknown user")
	}
	if err := db.Write(); err != nil {
		fatalf("Error writing database: %v", err)
	}
	fmt.Println("Removed user")
}

func authenticate(conf *config.Config, addr, passwd string) {
	user := splitUser(conf, addr)
	db := loadUserDB(conf)

	if db.Authenticate(user, passwd) {
		fmt.Println("Authentication succeeded")
	} else {
		fatalf("Authentication failed")
	}
}
