package kvblog

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/image/draw"

	"github.com/eringen/kvblog/objstore"
)

const (
	maxImageWidth = 800
	jpegQuality   = 80
	maxUploadSize = 10 << 20 // 10MB
)

// Image describes an uploaded image after re-encoding.
type Image struct {
	Key        string `json:"key"`
	URL        string `json:"url"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Size       int    `json:"size"`
	UploadedAt string `json:"uploadedAt"`
}

// processImage decodes an image from src, resizes it to maxImageWidth if it
// is wider, and encodes it as JPEG.
func processImage(src io.Reader) (Image, []byte, error) {
	img, _, err := image.Decode(src)
	if err != nil {
		return Image{}, nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w > maxImageWidth {
		newH := h * maxImageWidth / w
		dst := image.NewRGBA(image.Rect(0, 0, maxImageWidth, newH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
		w = maxImageWidth
		h = newH
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return Image{}, nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return Image{
		Width:      w,
		Height:     h,
		Size:       buf.Len(),
		UploadedAt: time.Now().UTC().Format(time.RFC3339),
	}, buf.Bytes(), nil
}

// imageKey turns a requested upload path into the stored key: each directory
// and the file name are slugified and the extension becomes .jpg.
func imageKey(p string) string {
	clean := objstore.NormalizeKey(p)
	if clean == "" {
		return ""
	}
	dir, file := path.Split(clean)
	name := slugifyFilename(file)
	if name == "" {
		return ""
	}
	var parts []string
	for _, d := range strings.Split(strings.Trim(dir, "/"), "/") {
		if s := Slugify(d); s != "" {
			parts = append(parts, s)
		}
	}
	return path.Join(append(parts, name+".jpg")...)
}

// slugifyFilename converts a filename (without extension) to a URL-safe slug.
func slugifyFilename(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return Slugify(base)
}

func (a *App) handleImageGet(c echo.Context) error {
	obj, err := a.Objects.Get(c.Request().Context(), c.Param("*"))
	if errors.Is(err, objstore.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Not Found")
	}
	if err != nil {
		return err
	}
	defer obj.Body.Close()

	h := c.Response().Header()
	if obj.ETag != "" {
		h.Set(headerETag, obj.ETag)
		if etagMatch(c.Request().Header.Get(headerIfNoneMatch), obj.ETag) {
			return c.NoContent(http.StatusNotModified)
		}
	}
	if !obj.LastModified.IsZero() {
		h.Set(echo.HeaderLastModified, obj.LastModified.UTC().Format(http.TimeFormat))
	}
	if obj.Size >= 0 {
		h.Set(echo.HeaderContentLength, strconv.FormatInt(obj.Size, 10))
	}
	return c.Stream(http.StatusOK, obj.ContentType, obj.Body)
}

// handleImagePut stores an image under the requested path. The body is either
// a multipart form with an "image" file or the raw image bytes.
func (a *App) handleImagePut(c echo.Context) error {
	key := imageKey(c.Param("*"))
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
	}

	var src io.Reader
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		file, err := c.FormFile("image")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "No image file provided")
		}
		if file.Size > maxUploadSize {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "File too large (max 10MB)")
		}
		f, err := file.Open()
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	} else {
		data, err := io.ReadAll(io.LimitReader(req.Body, maxUploadSize+1))
		if err != nil {
			return err
		}
		if len(data) > maxUploadSize {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "File too large (max 10MB)")
		}
		src = bytes.NewReader(data)
	}

	img, data, err := processImage(src)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid image").SetInternal(err)
	}
	if err := a.Objects.Put(req.Context(), key, data, "image/jpeg"); err != nil {
		return fmt.Errorf("store image: %w", err)
	}
	img.Key = key
	img.URL = "/images/" + key
	c.Logger().Infof("stored image %s (%dx%d, %d bytes) by %q", key, img.Width, img.Height, img.Size, TokenSubject(c))
	return c.JSON(http.StatusOK, img)
}

func (a *App) handleImageDelete(c echo.Context) error {
	key := objstore.NormalizeKey(c.Param("*"))
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Bad Request")
	}
	if err := a.Objects.Delete(c.Request().Context(), key); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "key": key})
}
