package user

import (
	"marketplace_api/internal/apperror"
	"marketplace_api/internal/auth"
	"net/http"

	"github.com/gin-gonic/gin"
)

type UserController struct {
	userService UserServiceInterface
}

func NewUserController(userService UserServiceInterface) *UserController {
	return &UserController{
		userService: userService,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles user registration
func (a *UserController) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperror.Respond(c, apperror.Validation("invalid request body"))
		return
	}

	user, err := a.userService.Register(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User created successfully",
		"user":    user,
	})
}

// Login handles user login and returns a bearer token
func (a *UserController) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperror.Respond(c, apperror.Validation("invalid request body"))
		return
	}

	result, err := a.userService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Me returns the authenticated user
func (a *UserController) Me(c *gin.Context) {
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		apperror.Respond(c, auth.ErrMissingToken)
		return
	}

	user, err := a.userService.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		apperror.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}
