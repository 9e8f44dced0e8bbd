package fileops

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/nuln/sboxd"
)

var validate = validator.New()

// Decode fills out from params and validates its struct tags. Every
// failure is an InvalidParameter error naming the offending field.
func Decode(params sboxd.Params, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return sboxd.Wrap(sboxd.CodeInternal, err)
	}
	if err := dec.Decode(map[string]any(params)); err != nil {
		return sboxd.Errorf(sboxd.CodeInvalidParameter, "invalid parameters: %v", err)
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return sboxd.Errorf(sboxd.CodeInvalidParameter, "invalid parameter %s: failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return sboxd.Wrap(sboxd.CodeInvalidParameter, err)
	}
	return nil
}

// DriveParams addresses one drive.
type DriveParams struct {
	StorageType string `mapstructure:"storageType" validate:"required"`
	DriveID     string `mapstructure:"driveId" validate:"required"`
}

// ListParams are the parameters of List.
type ListParams struct {
	DriveParams `mapstructure:",squash"`
	Path        string `mapstructure:"path"`
	Offset      int    `mapstructure:"offset" validate:"gte=0"`
	// Limit of zero returns every entry from Offset on.
	Limit int `mapstructure:"limit" validate:"gte=0"`
}

// PathParams are the parameters of GetProperties and Remove.
type PathParams struct {
	DriveParams `mapstructure:",squash"`
	Path        string `mapstructure:"path"`
}

// TransferParams are the parameters of Copy and Move.
type TransferParams struct {
	SrcStorageType  string `mapstructure:"srcStorageType" validate:"required"`
	SrcDriveID      string `mapstructure:"srcDriveId" validate:"required"`
	SrcPath         string `mapstructure:"srcPath" validate:"required"`
	DestStorageType string `mapstructure:"destStorageType" validate:"required"`
	DestDriveID     string `mapstructure:"destDriveId" validate:"required"`
	DestPath        string `mapstructure:"destPath" validate:"required"`
	Overwrite       bool   `mapstructure:"overwrite"`
}

// RenameParams are the parameters of Rename.
type RenameParams struct {
	DriveParams `mapstructure:",squash"`
	Path        string `mapstructure:"path" validate:"required"`
	NewName     string `mapstructure:"newName" validate:"required"`
}

// FormatParams are the parameters of Format.
type FormatParams struct {
	DriveParams `mapstructure:",squash"`
	FileSystem  string `mapstructure:"fileSystem" validate:"required,oneof=vfat exfat ntfs ext4"`
	VolumeLabel string `mapstructure:"volumeLabel" validate:"max=32"`
}

// CleanPath normalizes a client path to the engine-relative form: no
// leading slash, "" for the drive root. Paths with ".." elements fail
// with code.
func CleanPath(p string, code int) (string, error) {
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", sboxd.Errorf(code, "path %q escapes the drive", p)
		}
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/"), nil
}

// ValidName checks that name is a single path element.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return sboxd.Errorf(sboxd.CodeInvalidParameter, "invalid name %q", name)
	}
	return nil
}

func within(parent, child string) bool {
	if parent == "" {
		return true
	}
	return child == parent || strings.HasPrefix(child, parent+"/")
}

func describe(d *sboxd.Drive, p string) string {
	return fmt.Sprintf("%s:%s/%s", d.StorageType, d.DriveID, p)
}
