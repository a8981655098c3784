package main

import (
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/godaddy/datasafe"
)

// ioOptions selects where document bodies are read from and written to.
type ioOptions struct {
	In  string `long:"in" description:"Read the document from this file instead of stdin"`
	Out string `long:"out" description:"Write the document to this file instead of stdout"`
}

func (o ioOptions) input() (io.ReadCloser, error) {
	if o.In == "" {
		return io.NopCloser(os.Stdin), nil
	}

	return os.Open(o.In)
}

func (o ioOptions) output() (io.WriteCloser, error) {
	if o.Out == "" {
		return nopWriteCloser{os.Stdout}, nil
	}

	return os.OpenFile(o.Out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func copyTo(w io.Writer, in ioOptions) error {
	r, err := in.input()
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = io.Copy(w, r)

	return err
}

func copyFrom(r io.Reader, out ioOptions) error {
	w, err := out.output()
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}

	return w.Close()
}

type registerCommand struct{}

func (c *registerCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		if err := e.svc.RegisterUsingDefaults(e.ctx, auth); err != nil {
			return err
		}

		if opts.Keyring && opts.Password != "" {
			if err := rememberPassword(opts.Password); err != nil {
				return err
			}
		}

		PrintStatus("registered", opts.User)

		return nil
	})
}

type deregisterCommand struct{}

func (c *deregisterCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		if err := e.svc.Profiles().Deregister(e.ctx, auth); err != nil {
			return err
		}

		if opts.Keyring {
			forgetPassword()
		}

		PrintStatus("deregistered", opts.User)

		return nil
	})
}

type existsCommand struct {
	Args struct {
		User string `positional-arg-name:"user" description:"User to look up (defaults to --user)"`
	} `positional-args:"yes"`
}

func (c *existsCommand) Execute([]string) error {
	return run(func(e *env) error {
		user := c.Args.User
		if user == "" {
			user = opts.User
		}

		exists, err := e.svc.Profiles().UserExists(e.ctx, user)
		if err != nil {
			return err
		}

		if exists {
			PrintStatus("exists", user)
		} else {
			PrintFailure("not found", user)
		}

		return nil
	})
}

type profileCommand struct {
	Private bool `long:"private" description:"Also print the private profile (requires the user's password)"`
	Keys    bool `long:"keys" description:"Also print the published public keys"`
	Args    struct {
		User string `positional-arg-name:"user" description:"User to print (defaults to --user)"`
	} `positional-args:"yes"`
}

func (c *profileCommand) Execute([]string) error {
	return run(func(e *env) error {
		user := c.Args.User
		if user == "" {
			user = opts.User
		}

		public, err := e.svc.Profiles().PublicProfile(e.ctx, user)
		if err != nil {
			return err
		}

		PrintColoredJSON("Public profile:", public)

		if c.Keys {
			keys, err := e.svc.Profiles().PublicKeys(e.ctx, user)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(keys))
			for _, k := range keys {
				ids = append(ids, k.KeyID)
			}

			PrintColoredJSON("Public keys:", ids)
		}

		if c.Private {
			auth, err := userAuth()
			if err != nil {
				return err
			}

			private, err := e.svc.Profiles().PrivateProfile(e.ctx, auth)
			if err != nil {
				return err
			}

			PrintColoredJSON("Private profile:", private)
		}

		return nil
	})
}

type sealCommand struct{}

func (c *sealCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	password := opts.StorePassword
	if password == "" {
		var err error
		if password, err = prompt("Store password: "); err != nil {
			return err
		}
	}

	sp, err := newKMS()
	if err != nil {
		return err
	}

	sealed, err := sp.Seal(ctx, password)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(append(sealed, '\n'))

	return err
}

type pathArg struct {
	Path string `positional-arg-name:"path" required:"yes"`
}

type prefixArg struct {
	Prefix string `positional-arg-name:"prefix"`
}

type privateWriteCommand struct {
	ioOptions
	Args pathArg `positional-args:"yes" required:"yes"`
}

func (c *privateWriteCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		return e.svc.WithPrivateWriter(e.ctx, auth, c.Args.Path, func(w io.Writer) error {
			return copyTo(w, c.ioOptions)
		})
	})
}

type privateReadCommand struct {
	ioOptions
	Args pathArg `positional-args:"yes" required:"yes"`
}

func (c *privateReadCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		return e.svc.WithPrivateReader(e.ctx, auth, c.Args.Path, func(r io.Reader) error {
			return copyFrom(r, c.ioOptions)
		})
	})
}

type privateListCommand struct {
	Args prefixArg `positional-args:"yes"`
}

func (c *privateListCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		return printResources(e.svc.Private().List(e.ctx, auth, c.Args.Prefix))
	})
}

type privateRemoveCommand struct {
	Args pathArg `positional-args:"yes" required:"yes"`
}

func (c *privateRemoveCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		if err := e.svc.Private().Remove(e.ctx, auth, c.Args.Path); err != nil {
			return err
		}

		PrintStatus("removed", c.Args.Path)

		return nil
	})
}

type inboxSendCommand struct {
	ioOptions
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"yes"`
		Path      string `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

func (c *inboxSendCommand) Execute([]string) error {
	return run(func(e *env) error {
		err := e.svc.WithInboxWriter(e.ctx, c.Args.Recipient, c.Args.Path, func(w io.Writer) error {
			return copyTo(w, c.ioOptions)
		})
		if err != nil {
			return err
		}

		PrintStatus("sent", c.Args.Recipient+": "+c.Args.Path)

		return nil
	})
}

type inboxReadCommand struct {
	ioOptions
	Args pathArg `positional-args:"yes" required:"yes"`
}

func (c *inboxReadCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		return e.svc.WithInboxReader(e.ctx, auth, c.Args.Path, func(r io.Reader) error {
			return copyFrom(r, c.ioOptions)
		})
	})
}

type inboxListCommand struct {
	Args prefixArg `positional-args:"yes"`
}

func (c *inboxListCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		return printResources(e.svc.Inbox().List(e.ctx, auth, c.Args.Prefix))
	})
}

type inboxRemoveCommand struct {
	Args pathArg `positional-args:"yes" required:"yes"`
}

func (c *inboxRemoveCommand) Execute([]string) error {
	return run(func(e *env) error {
		auth, err := userAuth()
		if err != nil {
			return err
		}

		if err := e.svc.Inbox().Remove(e.ctx, auth, c.Args.Path); err != nil {
			return err
		}

		PrintStatus("removed", c.Args.Path)

		return nil
	})
}

func printResources(resources iter.Seq2[datasafe.Resource, error]) error {
	for r, err := range resources {
		if err != nil {
			return err
		}

		if opts.Verbose {
			PrintResource(r.Path, r.Location)
		} else {
			fmt.Println(r.Path)
		}
	}

	return nil
}
