// Command datasafe is a command line client for a datasafe deployment.
//
//	datasafe --storage=fs --root=file:///var/lib/datasafe/ -u jane register
//	echo hello | datasafe -u jane private write notes/hello.txt
//	datasafe -u jane private read notes/hello.txt
//	datasafe -u john inbox send jane greetings.txt < greetings.txt
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/logrusorgru/aurora"
)

type Options struct {
	Storage          string `long:"storage" env:"DATASAFE_STORAGE" default:"fs" choice:"memory" choice:"fs" choice:"mysql" choice:"dynamodb" description:"Storage backend holding profiles, keystores and documents"`
	Root             string `long:"root" env:"DATASAFE_ROOT" description:"DFS root URI. Defaults to ~/.datasafe for fs storage"`
	ConnectionString string `short:"C" long:"conn" env:"DATASAFE_MYSQL_DSN" description:"MySQL connection string"`
	Table            string `long:"table" env:"DATASAFE_DYNAMODB_TABLE" description:"DynamoDB table name"`
	StorePassword    string `long:"store-password" env:"DATASAFE_STORE_PASSWORD" description:"System wide password protecting keystore integrity"`
	StorePasswordKMS string `long:"store-password-kms" env:"DATASAFE_STORE_PASSWORD_KMS" description:"File holding the store password sealed with AWS KMS"`
	Region           string `long:"region" description:"Preferred AWS region for KMS"`
	RegionMap        string `long:"map" description:"Comma separated list of <region>=<kms_arn> tuples."`
	User             string `short:"u" long:"user" env:"DATASAFE_USER" description:"User to act as"`
	Password         string `long:"password" env:"DATASAFE_PASSWORD" description:"ReadKeyPassword of the user. Prompted for if not set"`
	Keyring          bool   `long:"keyring" description:"Read the password from (and remember it in) the OS keyring"`
	Config           string `long:"config" env:"DATASAFE_CONFIG" description:"TOML file with defaults for the options above"`
	NoCache          bool   `long:"no-cache" description:"Disables the profile and keystore caches"`
	Metrics          bool   `short:"m" long:"metrics" description:"Prints a table of timer metrics to stderr"`
	Verbose          bool   `short:"v" long:"verbose" description:"Enables debug logging"`
}

var (
	opts   Options
	parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
)

func addCommand(parent interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, name, short string, data interface{}) *flags.Command {
	cmd, err := parent.AddCommand(name, short, "", data)
	if err != nil {
		panic(err)
	}

	return cmd
}

func init() {
	addCommand(parser, "register", "Register the user with the default storage layout", &registerCommand{})
	addCommand(parser, "deregister", "Remove the user and everything they own", &deregisterCommand{})
	addCommand(parser, "exists", "Report whether a user is registered", &existsCommand{})
	addCommand(parser, "profile", "Print the public (and with --private the private) profile", &profileCommand{})
	addCommand(parser, "seal-store-password", "Seal the store password with AWS KMS", &sealCommand{})

	private := addCommand(parser, "private", "Manage documents in the private area", &struct{}{})
	addCommand(private, "write", "Encrypt stdin (or --in) to a private document", &privateWriteCommand{})
	addCommand(private, "read", "Decrypt a private document to stdout (or --out)", &privateReadCommand{})
	addCommand(private, "list", "List private documents", &privateListCommand{})
	addCommand(private, "rm", "Remove a private document", &privateRemoveCommand{})

	inbox := addCommand(parser, "inbox", "Send and receive inbox documents", &struct{}{})
	addCommand(inbox, "send", "Encrypt stdin (or --in) to another user's inbox", &inboxSendCommand{})
	addCommand(inbox, "read", "Decrypt an inbox document to stdout (or --out)", &inboxReadCommand{})
	addCommand(inbox, "list", "List inbox documents", &inboxListCommand{})
	addCommand(inbox, "rm", "Remove an inbox document", &inboxRemoveCommand{})
}

func main() {
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Println(e.Message)
			return
		}

		fmt.Fprintln(os.Stderr, aurora.Red("error:"), err)
		os.Exit(1)
	}
}
