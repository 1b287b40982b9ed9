package pipeline

import (
	"errors"
	"io"

	"github.com/keithlinneman/jsongate/internal/apperr"
	"github.com/keithlinneman/jsongate/internal/nestedform"
	"github.com/keithlinneman/jsongate/internal/xerrors"
)

const (
	DefaultFileLimit = 50 << 20
	// cap on a single non-file field value
	maxFieldBytes = 1 << 20
)

// Multipart buffers multipart/form-data uploads. Any file over fileLimit
// fails the request with FileTooLarge; files are never silently truncated.
// Non-file fields become the body map.
func Multipart(fileLimit int64) Stage {
	if fileLimit <= 0 {
		fileLimit = DefaultFileLimit
	}
	return StageFunc{StageName: "multipart", Fn: func(ex *Exchange) error {
		st := stateFrom(ex.Context())
		if st.parsed || !hasBody(ex.R) || mediaType(ex.R) != "multipart/form-data" {
			return nil
		}
		mr, err := ex.R.MultipartReader()
		if err != nil {
			return xerrors.Wrap(err, "multipart reader")
		}
		st.parsed = true

		fields := map[string][]string{}
		files := map[string][]*File{}
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return xerrors.Wrap(err, "read multipart part")
			}
			name := p.FormName()
			if name == "" {
				_ = p.Close()
				continue
			}

			if p.FileName() == "" {
				b, err := readPart(p, maxFieldBytes)
				_ = p.Close()
				if errors.Is(err, errTooLarge) {
					return apperr.New(apperr.PayloadTooLarge, apperr.WithMessage("Form field "+name+" is too large"))
				}
				if err != nil {
					return err
				}
				fields[name] = append(fields[name], string(b))
				continue
			}

			b, err := readPart(p, fileLimit)
			_ = p.Close()
			if errors.Is(err, errTooLarge) {
				return apperr.New(apperr.FileTooLarge, apperr.WithCause(xerrors.Newf("file %q in field %q exceeds %d bytes", p.FileName(), name, fileLimit)))
			}
			if err != nil {
				return err
			}
			files[name] = append(files[name], newFile(name, p, b))
		}

		if len(files) > 0 {
			st.files = files
		}
		st.body = nestedform.Parse(fields)
		return nil
	}}
}

func readPart(p io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(p, limit+1))
	if err != nil {
		return nil, xerrors.Wrap(err, "read multipart part")
	}
	if int64(len(b)) > limit {
		return nil, errTooLarge
	}
	return b, nil
}
