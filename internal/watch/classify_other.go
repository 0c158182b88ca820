//go:build !unix

package watch

func classify(err error) error {
	return err
}
