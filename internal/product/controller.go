package product

import (
	"context"
	"errors"
	"marketplace_api/internal/apperror"
	"marketplace_api/internal/auth"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ImageStore persists an uploaded image and returns its public reference.
type ImageStore interface {
	Save(ctx context.Context, file *multipart.FileHeader) (string, error)
	Remove(ctx context.Context, ref string) error
}

type ProductController struct {
	productService ProductServiceInterface
	images         ImageStore
}

// NewProductController builds the product handlers. images may be nil, in
// which case multipart image files are rejected.
func NewProductController(productService ProductServiceInterface, images ImageStore) *ProductController {
	return &ProductController{
		productService: productService,
		images:         images,
	}
}

// Accepted as JSON or multipart/form-data.
type productRequest struct {
	Name        *string  `json:"name" form:"name"`
	Price       *float64 `json:"price" form:"price"`
	Description *string  `json:"description" form:"description"`
	Category    *string  `json:"category" form:"category"`
	ImageURL    *string  `json:"image_url" form:"image_url"`

	// set when this request stored a file
	uploaded string
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// bindProduct decodes the body and stores an attached image, if any.
func (pc *ProductController) bindProduct(c *gin.Context) (*productRequest, error) {
	var req productRequest
	if err := c.ShouldBind(&req); err != nil {
		return nil, apperror.Validation("invalid request body")
	}

	if c.ContentType() != gin.MIMEMultipartPOSTForm {
		return &req, nil
	}

	file, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return &req, nil
	}
	if err != nil {
		return nil, apperror.Validation("invalid image upload")
	}
	if pc.images == nil {
		return nil, apperror.Validation("image uploads are disabled")
	}

	ref, err := pc.images.Save(c.Request.Context(), file)
	if err != nil {
		return nil, err
	}
	req.ImageURL = &ref
	req.uploaded = ref
	return &req, nil
}

// discardUpload removes an image stored for a request the service rejected.
func (pc *ProductController) discardUpload(c *gin.Context, req *productRequest) {
	if req.uploaded == "" {
		return
	}
	if err := pc.images.Remove(context.WithoutCancel(c.Request.Context()), req.uploaded); err != nil {
		logrus.WithError(err).WithField("image", req.uploaded).Warn("Failed to remove rejected upload")
	}
}

func parseID(c *gin.Context, param string) (int, error) {
	id, err := strconv.Atoi(c.Param(param))
	if err != nil || id <= 0 {
		return 0, apperror.Validation("invalid " + param)
	}
	return id, nil
}

func callerID(c *gin.Context) (int, error) {
	id, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return 0, auth.ErrMissingToken
	}
	return id, nil
}

// CreateProduct handles POST /products
func (pc *ProductController) CreateProduct(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	req, err := pc.bindProduct(c)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	product, err := pc.productService.Create(c.Request.Context(), userID, CreateInput{
		Name:        deref(req.Name),
		Price:       req.Price,
		Description: deref(req.Description),
		Category:    deref(req.Category),
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		pc.discardUpload(c, req)
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Product created successfully",
		"product": product,
	})
}

// GetProduct handles GET /products/:id
func (pc *ProductController) GetProduct(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	product, err := pc.productService.Get(c.Request.Context(), id)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"product": product})
}

// ListProducts handles GET /products
func (pc *ProductController) ListProducts(c *gin.Context) {
	filter, err := ParseListFilter(c.Request.URL.Query())
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	pc.respondList(c, filter)
}

// ListUserProducts handles GET /users/:user_id/products
func (pc *ProductController) ListUserProducts(c *gin.Context) {
	ownerID, err := parseID(c, "user_id")
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	filter, err := ParseListFilter(c.Request.URL.Query())
	if err != nil {
		apperror.Respond(c, err)
		return
	}
	filter.OwnerID = &ownerID

	pc.respondList(c, filter)
}

func (pc *ProductController) respondList(c *gin.Context, filter ListFilter) {
	result, err := pc.productService.List(c.Request.Context(), filter)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// UpdateProduct handles PUT and PATCH /products/:id. Both are partial.
func (pc *ProductController) UpdateProduct(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	id, err := parseID(c, "id")
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	req, err := pc.bindProduct(c)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	product, err := pc.productService.Update(c.Request.Context(), id, userID, Patch{
		Name:        req.Name,
		Price:       req.Price,
		Description: req.Description,
		Category:    req.Category,
		ImageURL:    req.ImageURL,
	})
	if err != nil {
		pc.discardUpload(c, req)
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Product updated successfully",
		"product": product,
	})
}

// DeleteProduct handles DELETE /products/:id
func (pc *ProductController) DeleteProduct(c *gin.Context) {
	userID, err := callerID(c)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	id, err := parseID(c, "id")
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	if err := pc.productService.SoftDelete(c.Request.Context(), id, userID); err != nil {
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Product deleted successfully"})
}
