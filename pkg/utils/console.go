package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// AskForCode prompts on out until a valid code of the given length is read from in.
func AskForCode(ctx context.Context, in io.Reader, out io.Writer, length int) (string, error) {
	scanner := bufio.NewScanner(in)
	inputCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(inputCh)
		for scanner.Scan() {
			select {
			case inputCh <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		}
	}()

	for {
		fmt.Fprint(out, "Enter code from sender: ")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case code, ok := <-inputCh:
			if !ok {
				select {
				case err := <-errCh:
					return "", fmt.Errorf("failed to read code: %w", err)
				default:
					return "", io.ErrUnexpectedEOF
				}
			}
			if IsValidCode(code, length) {
				return code, nil
			}
			fmt.Fprintf(out, "Invalid code. Please enter again.\n")
		}
	}
}
